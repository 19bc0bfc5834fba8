package reporter

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/tracyhatemice/mailprobe/internal/probe"
)

// Default trapper item keys.
const (
	DefaultTimeKey    = "email.delivery.time"
	DefaultSuccessKey = "email.delivery.success"
)

var (
	zabbixMagic    = []byte("ZBXD\x01")
	zabbixFailedRe = regexp.MustCompile(`failed:\s*(\d+)`)
)

const zabbixHeaderLen = 13

// Zabbix pushes outcomes to a Zabbix server or proxy with the trapper
// ("sender data") protocol.
type Zabbix struct {
	addr       string
	host       string
	timeKey    string
	successKey string
	dialer     net.Dialer
}

type zabbixItem struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Clock int64  `json:"clock,omitempty"`
}

type zabbixRequest struct {
	Request string       `json:"request"`
	Data    []zabbixItem `json:"data"`
	Clock   int64        `json:"clock,omitempty"`
}

type zabbixResponse struct {
	Response string `json:"response"`
	Info     string `json:"info"`
}

// NewZabbix creates a trapper sink for server:port. Items are filed under
// host, the monitored host name as configured in Zabbix.
func NewZabbix(server string, port int, host, timeKey, successKey string) *Zabbix {
	if timeKey == "" {
		timeKey = DefaultTimeKey
	}
	if successKey == "" {
		successKey = DefaultSuccessKey
	}
	return &Zabbix{
		addr:       net.JoinHostPort(server, strconv.Itoa(port)),
		host:       host,
		timeKey:    timeKey,
		successKey: successKey,
	}
}

func (z *Zabbix) Name() string { return "zabbix" }

// Report sends the success item and, for delivered probes, the delivery
// time item. Any item the server does not process is an error.
func (z *Zabbix) Report(ctx context.Context, o probe.Outcome) error {
	payload, err := json.Marshal(z.request(o))
	if err != nil {
		return fmt.Errorf("encode zabbix request: %w", err)
	}

	conn, err := z.dialer.DialContext(ctx, "tcp", z.addr)
	if err != nil {
		return fmt.Errorf("zabbix connect %s: %w", z.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(frame(payload)); err != nil {
		return fmt.Errorf("zabbix write: %w", err)
	}

	body, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("zabbix read: %w", err)
	}
	var resp zabbixResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode zabbix response: %w", err)
	}
	if resp.Response != "success" {
		return fmt.Errorf("zabbix rejected data: %s %s", resp.Response, resp.Info)
	}
	if failed := failedCount(resp.Info); failed > 0 {
		return fmt.Errorf("zabbix failed to process %d item(s): %s", failed, resp.Info)
	}
	return nil
}

func (z *Zabbix) request(o probe.Outcome) zabbixRequest {
	clock := o.MeasuredAt.Unix()
	success := "0"
	var items []zabbixItem
	if o.Success && o.DeliverySeconds != nil {
		success = "1"
		items = append(items, zabbixItem{
			Host:  z.host,
			Key:   z.timeKey,
			Value: strconv.FormatFloat(*o.DeliverySeconds, 'f', 3, 64),
			Clock: clock,
		})
	}
	items = append(items, zabbixItem{Host: z.host, Key: z.successKey, Value: success, Clock: clock})
	return zabbixRequest{Request: "sender data", Data: items, Clock: time.Now().Unix()}
}

// frame prepends the protocol header: magic, flags, then the payload
// length as a little-endian uint64.
func frame(payload []byte) []byte {
	buf := make([]byte, zabbixHeaderLen, zabbixHeaderLen+len(payload))
	copy(buf, zabbixMagic)
	binary.LittleEndian.PutUint64(buf[5:], uint64(len(payload)))
	return append(buf, payload...)
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, zabbixHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header[:4], zabbixMagic[:4]) {
		return nil, fmt.Errorf("bad response header %q", header[:4])
	}
	n := binary.LittleEndian.Uint64(header[5:])
	if n > 1<<20 {
		return nil, fmt.Errorf("response too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// failedCount extracts N from an info string like
// "processed: 1; failed: N; total: 2; seconds spent: 0.000041".
func failedCount(info string) int {
	m := zabbixFailedRe.FindStringSubmatch(info)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
