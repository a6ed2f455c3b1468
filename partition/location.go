package partition

import (
	"fmt"
	"net"
	"strconv"
)

// Location names the worker holding one partition file. It is immutable once
// handed to a reader.
type Location struct {
	ID        int    `json:"id"`
	Epoch     int    `json:"epoch"`
	Host      string `json:"host"`
	FetchPort int    `json:"fetch_port"`
	FileName  string `json:"file_name"`
}

// HostAndFetchPort returns the dial address of the worker's fetch service.
func (l Location) HostAndFetchPort() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.FetchPort))
}

func (l Location) String() string {
	return fmt.Sprintf("partition %d-%d @ %s (%s)", l.ID, l.Epoch, l.HostAndFetchPort(), l.FileName)
}

// FileNameFor returns the file name used for a partition id and epoch.
func FileNameFor(id, epoch int) string {
	return fmt.Sprintf("%d-%d", id, epoch)
}
