package tracing

import (
	"net"

	"go.uber.org/zap"

	"github.com/sarchlab/qserver/client"
	"github.com/sarchlab/qserver/datarecording"
	"github.com/sarchlab/qserver/server"
	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

const (
	// PacketTable holds one row per server arrival, departure, drop,
	// announcement and send failure.
	PacketTable = "packet_trace"

	// RTTTable holds one row per reply seen by a client.
	RTTTable = "rtt_trace"
)

// PacketEntry is a row of PacketTable.
type PacketEntry struct {
	Time        float64
	Server      string
	Event       string
	Peer        string
	Size        int
	QueueLength int
	Sojourn     float64
}

// RTTEntry is a row of RTTTable.
type RTTEntry struct {
	Time   float64
	Client string
	RTT    float64
}

// PacketTracer records server and client hooks into a DataRecorder.
type PacketTracer struct {
	backend    datarecording.DataRecorder
	logger     *zap.Logger
	start, end timing.VTimeInSec
}

// NewPacketTracer creates the trace tables on backend.
func NewPacketTracer(
	backend datarecording.DataRecorder,
	logger *zap.Logger,
) (*PacketTracer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := backend.CreateTable(PacketTable, PacketEntry{}); err != nil {
		return nil, err
	}

	if err := backend.CreateTable(RTTTable, RTTEntry{}); err != nil {
		return nil, err
	}

	return &PacketTracer{backend: backend, logger: logger, end: -1}, nil
}

// SetWindow limits tracing to [start, end]. A negative end means no limit.
func (t *PacketTracer) SetWindow(start, end timing.VTimeInSec) {
	t.start = start
	t.end = end
}

func (t *PacketTracer) inWindow(now timing.VTimeInSec) bool {
	return now >= t.start && (t.end < 0 || now <= t.end)
}

// Func records one row for the hook positions it knows.
func (t *PacketTracer) Func(ctx hooking.HookCtx) {
	if !t.inWindow(ctx.Now) {
		return
	}

	switch ctx.Pos {
	case server.HookPosArrival:
		t.recordEntry(ctx, "arrival", 0)
	case server.HookPosDeparture:
		detail := ctx.Detail.(server.DepartureDetail)
		t.recordEntry(ctx, "departure", detail.Sojourn)
	case server.HookPosDrop:
		entry := ctx.Item.(server.QueueEntry)
		t.recordEntry(ctx, "drop", ctx.Now-entry.ArrivedAt)
	case server.HookPosAnnounce, server.HookPosSendFailure:
		t.recordDatagram(ctx)
	case client.HookPosReply:
		t.insert(RTTTable, RTTEntry{
			Time:   ctx.Now,
			Client: domainName(ctx),
			RTT:    ctx.Detail.(timing.VTimeInSec),
		})
	}
}

func (t *PacketTracer) recordEntry(
	ctx hooking.HookCtx,
	event string,
	sojourn timing.VTimeInSec,
) {
	entry := ctx.Item.(server.QueueEntry)

	t.insert(PacketTable, PacketEntry{
		Time:        ctx.Now,
		Server:      domainName(ctx),
		Event:       event,
		Peer:        addrString(entry.Destination),
		Size:        len(entry.Payload),
		QueueLength: queueLength(ctx),
		Sojourn:     sojourn,
	})
}

func (t *PacketTracer) recordDatagram(ctx hooking.HookCtx) {
	d := ctx.Item.(*transport.Datagram)

	event := "announce"
	if ctx.Pos == server.HookPosSendFailure {
		event = "send-failure"
	}

	t.insert(PacketTable, PacketEntry{
		Time:        ctx.Now,
		Server:      domainName(ctx),
		Event:       event,
		Peer:        addrString(d.Dst),
		Size:        d.Size(),
		QueueLength: queueLength(ctx),
	})
}

func (t *PacketTracer) insert(table string, entry any) {
	if err := t.backend.InsertData(table, entry); err != nil {
		t.logger.Error("cannot record trace",
			zap.String("table", table), zap.Error(err))
	}
}

func queueLength(ctx hooking.HookCtx) int {
	if q, ok := ctx.Domain.(interface{ QueueLength() int }); ok {
		return q.QueueLength()
	}

	return 0
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}

	return a.String()
}
