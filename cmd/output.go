package cmd

import (
	"fmt"
	"io"
	"time"

	"emperror.dev/errors"
	"github.com/goccy/go-json"

	"github.com/pterodactyl/crtime/config"
	"github.com/pterodactyl/crtime/crtime"
)

type resultJSON struct {
	Device      string `json:"device"`
	Inode       uint32 `json:"inode"`
	InodeSize   int    `json:"inode_size"`
	ExtraIsize  uint16 `json:"extra_isize"`
	Crtime      uint32 `json:"crtime"`
	CrtimeExtra uint32 `json:"crtime_extra"`
	CrtimeNsec  uint32 `json:"crtime_nsec"`
	CrtimeEpoch uint32 `json:"crtime_epoch"`
}

// writeResult prints the creation time in the requested format followed by a
// newline. Decimal output is the unsigned seconds value and nothing else.
func writeResult(w io.Writer, format string, res *crtime.Result) error {
	var err error
	switch format {
	case config.FormatRFC3339:
		_, err = fmt.Fprintln(w, time.Unix(int64(res.Crtime.Sec), 0).UTC().Format(time.RFC3339))
	case config.FormatJSON:
		var b []byte
		b, err = json.Marshal(resultJSON{
			Device:      res.Device,
			Inode:       uint32(res.Ino),
			InodeSize:   res.InodeSize,
			ExtraIsize:  res.ExtraIsize,
			Crtime:      res.Crtime.Sec,
			CrtimeExtra: res.Crtime.Extra,
			CrtimeNsec:  res.Crtime.Nsec(),
			CrtimeEpoch: res.Crtime.EpochBits(),
		})
		if err == nil {
			_, err = w.Write(append(b, '\n'))
		}
	default:
		_, err = fmt.Fprintf(w, "%d\n", res.Crtime.Sec)
	}
	return errors.WithStackIf(err)
}
