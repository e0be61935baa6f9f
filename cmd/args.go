package cmd

import (
	"os"

	"emperror.dev/errors"

	"github.com/pterodactyl/crtime/crtime"
)

// buildRequest turns the positional arguments into a lookup request. With two
// arguments the second is an inode number when forced, or when it is made up
// of digits only and no file of that name exists.
func buildRequest(args []string, inode bool, lstat func(string) (os.FileInfo, error)) (crtime.Request, error) {
	switch len(args) {
	case 1:
		if inode {
			return crtime.Request{}, crtime.NewError(crtime.KindInvalidArguments, crtime.StageArguments, errors.New("--inode requires a filesystem argument"))
		}
		return crtime.Request{Path: args[0]}, nil
	case 2:
		req := crtime.Request{Device: args[0]}
		if inode || looksLikeInode(args[1], lstat) {
			req.Inode = args[1]
		} else {
			req.Path = args[1]
		}
		return req, nil
	}
	return crtime.Request{}, crtime.NewError(crtime.KindInvalidArguments, crtime.StageArguments, errors.Errorf("expected 1 or 2 arguments, got %d", len(args)))
}

func looksLikeInode(s string, lstat func(string) (os.FileInfo, error)) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	_, err := lstat(s)
	return errors.Is(err, os.ErrNotExist)
}
