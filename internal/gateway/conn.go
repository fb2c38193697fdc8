package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bythron/trackerd/internal/events"
	"github.com/bythron/trackerd/internal/metrics"
	"github.com/bythron/trackerd/internal/protocol"
	"github.com/bythron/trackerd/internal/store"
)

// commandSerialBase seeds the per-connection outbound serial counter; the
// counter is incremented before each send, so the first command uses 0xA001.
const commandSerialBase = 0xA000

type pendingReply struct {
	serverFlag uint32
	ch         chan *protocol.CommandReply
}

// Conn is one device session. The read loop owns all inbound processing;
// outbound writes (ACKs and commands) share a mutex on the socket's writer
// half. Packets are handled strictly in arrival order: a packet's store
// write, ACK, and broadcast complete before the next frame is touched.
type Conn struct {
	log     *slog.Logger
	cfg     *Config
	clock   clockwork.Clock
	sock    net.Conn
	decoder protocol.Decoder
	framer  protocol.Framer

	writeMu sync.Mutex

	// cmdMu serializes SendCommand so at most one command is in flight.
	cmdMu sync.Mutex

	mu            sync.Mutex
	identity      string
	device        store.Device
	authenticated bool
	commandSerial uint16
	pending       *pendingReply
	closeReason   error

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(cfg *Config, sock net.Conn) *Conn {
	return &Conn{
		log:   cfg.Logger.With("remote", sock.RemoteAddr().String()),
		cfg:   cfg,
		clock: cfg.Clock,
		sock:  sock,
		decoder: protocol.Decoder{
			Clock:                   cfg.Clock,
			ForceSouthernHemisphere: cfg.ForceSouthernHemisphere,
		},
		commandSerial: commandSerialBase,
		done:          make(chan struct{}),
	}
}

// Identity returns the authenticated identity, or "" before login.
func (c *Conn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Done is closed when the session terminates.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// run reads the socket until EOF, IO error, or close. It returns after all
// cleanup is finished.
func (c *Conn) run(ctx context.Context) {
	defer c.cleanup(ctx)

	buf := make([]byte, readChunkSize)
	discarded := 0
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			for _, frame := range c.framer.Push(buf[:n]) {
				c.handleFrame(ctx, frame)
			}
			if d := c.framer.DiscardedBytes(); d > discarded {
				metrics.BytesDiscarded.Add(float64(d - discarded))
				discarded = d
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConnErr(err) {
				c.log.Debug("read error", "error", err)
			}
			c.close(err)
			return
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, frame []byte) {
	pkt, err := c.decoder.Decode(frame)
	if err != nil {
		metrics.DecodeErrs.Inc()
		c.log.Warn("dropping malformed frame", "error", err, "bytes", len(frame))
		return
	}

	meta := pkt.Header()
	metrics.PacketsTotal.WithLabelValues(protoLabel(meta.Proto)).Inc()
	if !meta.CRCValid {
		metrics.CRCMismatches.Inc()
		c.log.Warn("checksum mismatch, processing anyway", "proto", protoLabel(meta.Proto), "serial", meta.Serial)
	}

	c.mu.Lock()
	authed := c.authenticated
	c.mu.Unlock()

	if !authed {
		login, ok := pkt.(*protocol.Login)
		if !ok {
			// Traffic before login is dropped without an ACK.
			c.log.Warn("dropping packet from unauthenticated connection", "proto", protoLabel(meta.Proto))
			return
		}
		c.handleLogin(ctx, login)
		return
	}

	switch p := pkt.(type) {
	case *protocol.Login:
		// Re-login on a live session refreshes device state.
		c.handleLogin(ctx, p)
	case *protocol.Location:
		c.handleLocation(ctx, p)
	case *protocol.Heartbeat:
		c.handleHeartbeat(ctx, p)
	case *protocol.Alarm:
		c.handleAlarm(ctx, p)
	case *protocol.CommandReply:
		// Replies correlate to a pending command and are never ACKed.
		c.handleCommandReply(p)
	default:
		c.log.Warn("unknown protocol number", "proto", fmt.Sprintf("0x%02X", meta.Proto))
	}
}

func (c *Conn) handleLogin(ctx context.Context, login *protocol.Login) {
	device, err := c.cfg.Store.UpsertDeviceOnLogin(ctx, login.Identity)
	if err != nil {
		metrics.StoreErrs.WithLabelValues("upsert_device").Inc()
		c.log.Error("device upsert failed", "identity", login.Identity, "error", err)
	}

	c.mu.Lock()
	c.identity = login.Identity
	c.device = device
	c.authenticated = true
	c.mu.Unlock()

	c.log = c.cfg.Logger.With("remote", c.sock.RemoteAddr().String(), "identity", login.Identity)

	if displaced := c.cfg.Registry.Register(login.Identity, c); displaced != nil {
		metrics.ConnectionsSuperseded.Inc()
		c.log.Info("superseding previous connection", "previous", displaced.sock.RemoteAddr().String())
		displaced.close(ErrSuperseded)
	}

	c.writeAck(login.Meta)
	c.publish(events.Event{Kind: events.KindLogin, Identity: login.Identity, Time: c.clock.Now().UTC()})
	c.log.Info("device logged in", "serial", login.Serial)
}

func (c *Conn) handleLocation(ctx context.Context, loc *protocol.Location) {
	c.mu.Lock()
	identity, deviceID := c.identity, c.device.ID
	c.mu.Unlock()

	row := store.Location{
		DeviceID:   deviceID,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		Speed:      float64(loc.Speed),
		Course:     int(loc.Course),
		Satellites: int(loc.Satellites),
		GPSValid:   loc.GPSValid,
		Timestamp:  loc.Timestamp,
	}
	if _, err := c.cfg.Store.InsertLocation(ctx, row); err != nil {
		metrics.StoreErrs.WithLabelValues("insert_location").Inc()
		c.log.Error("location insert failed", "error", err)
	}

	// ACK regardless of store outcome: withholding it only makes the device
	// resend faster than the store can recover.
	c.writeAck(loc.Meta)
	c.publish(events.Event{
		Kind: events.KindLocation, Identity: identity, Time: loc.Timestamp,
		Latitude: loc.Latitude, Longitude: loc.Longitude, Speed: loc.Speed, GPSValid: loc.GPSValid,
	})
}

func (c *Conn) handleHeartbeat(ctx context.Context, hb *protocol.Heartbeat) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	if err := c.cfg.Store.TouchHeartbeat(ctx, identity, hb.BatteryPercent, hb.GSMBars); err != nil {
		metrics.StoreErrs.WithLabelValues("touch_heartbeat").Inc()
		c.log.Error("heartbeat update failed", "error", err)
	}

	c.writeAck(hb.Meta)
	c.publish(events.Event{Kind: events.KindHeartbeat, Identity: identity, Time: c.clock.Now().UTC()})
	c.log.Debug("heartbeat",
		"battery", hb.BatteryPercent, "gsm_bars", hb.GSMBars,
		"acc", hb.ACCOn, "charging", hb.Charging)
}

func (c *Conn) handleAlarm(ctx context.Context, alarm *protocol.Alarm) {
	c.mu.Lock()
	identity, deviceID := c.identity, c.device.ID
	c.mu.Unlock()

	kind := alarm.Kind.String()
	row := store.Location{
		DeviceID:   deviceID,
		Latitude:   alarm.Latitude,
		Longitude:  alarm.Longitude,
		Speed:      float64(alarm.Speed),
		Course:     int(alarm.Course),
		Satellites: int(alarm.Satellites),
		GPSValid:   alarm.GPSValid,
		IsAlarm:    true,
		AlarmType:  &kind,
		Timestamp:  alarm.Timestamp,
	}
	if _, err := c.cfg.Store.InsertLocation(ctx, row); err != nil {
		metrics.StoreErrs.WithLabelValues("insert_alarm").Inc()
		c.log.Error("alarm insert failed", "error", err)
	}

	c.writeAck(alarm.Meta)
	c.publish(events.Event{
		Kind: events.KindAlarm, Identity: identity, Time: alarm.Timestamp,
		Latitude: alarm.Latitude, Longitude: alarm.Longitude, GPSValid: alarm.GPSValid,
		Alarm: kind,
	})
	c.log.Warn("alarm received", "kind", kind, "lat", alarm.Latitude, "lon", alarm.Longitude)
}

func (c *Conn) handleCommandReply(reply *protocol.CommandReply) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	identity := c.identity
	c.mu.Unlock()

	if pending == nil {
		c.log.Warn("command reply with no pending command",
			"server_flag", reply.ServerFlag, "content", reply.Content)
		return
	}
	if pending.serverFlag != reply.ServerFlag {
		c.log.Warn("command reply flag mismatch",
			"want", pending.serverFlag, "got", reply.ServerFlag)
	}
	pending.ch <- reply
	c.publish(events.Event{
		Kind: events.KindCommandReply, Identity: identity,
		Time: c.clock.Now().UTC(), Content: reply.Content,
	})
}

// SendCommand writes one ServerCommand frame and waits for the device's reply
// until the timeout. A nil reply with a nil error means the frame was
// delivered but the device did not answer in time; the device may still act
// on it. Commands are serialized: a second caller blocks until the first
// resolves.
func (c *Conn) SendCommand(ctx context.Context, content string, timeout time.Duration) (*protocol.CommandReply, uint32, error) {
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.closeReason != nil {
		err := c.closeReason
		c.mu.Unlock()
		return nil, 0, err
	}
	c.commandSerial++
	serial := c.commandSerial
	serverFlag := uint32(serial)
	pending := &pendingReply{serverFlag: serverFlag, ch: make(chan *protocol.CommandReply, 1)}
	c.pending = pending
	c.mu.Unlock()

	frame := protocol.EncodeCommand(content, serverFlag, serial)
	if err := c.write(frame); err != nil {
		c.clearPending(pending)
		c.close(err)
		return nil, serverFlag, fmt.Errorf("write command: %w", err)
	}
	c.log.Info("command sent", "content", content, "server_flag", serverFlag)

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-pending.ch:
		if reply == nil {
			// Resolved by close: surface the session's terminal error.
			c.mu.Lock()
			err := c.closeReason
			c.mu.Unlock()
			if err == nil {
				err = ErrConnClosed
			}
			return nil, serverFlag, err
		}
		return reply, serverFlag, nil
	case <-timer.Chan():
		c.clearPending(pending)
		return nil, serverFlag, nil
	case <-ctx.Done():
		c.clearPending(pending)
		return nil, serverFlag, ctx.Err()
	}
}

// clearPending removes the waiter if it is still installed, so a late reply
// is logged instead of resolving a caller that already gave up.
func (c *Conn) clearPending(p *pendingReply) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Conn) writeAck(meta protocol.Meta) {
	if err := c.write(protocol.EncodeAck(meta.Proto, meta.Serial)); err != nil {
		c.log.Debug("ack write failed", "error", err)
		c.close(err)
		return
	}
	metrics.AcksSent.WithLabelValues(protoLabel(meta.Proto)).Inc()
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.sock.Write(frame)
	return err
}

func (c *Conn) publish(ev events.Event) {
	if c.cfg.Broadcaster != nil {
		c.cfg.Broadcaster.Publish(ev)
	}
}

// close terminates the session once: records the reason, closes the socket so
// the read loop exits, and fails any pending command waiter.
func (c *Conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		if pending != nil {
			pending.ch <- nil
		}
		_ = c.sock.Close()
		close(c.done)
	})
}

// cleanup runs after the read loop exits: deregisters, marks the device
// offline unless a successor took over, and announces the disconnect. The
// session context may already be canceled here, so the status write gets its
// own short deadline.
func (c *Conn) cleanup(_ context.Context) {
	c.close(io.EOF)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	identity := c.identity
	reason := c.closeReason
	c.mu.Unlock()

	if identity == "" {
		return
	}
	c.cfg.Registry.Unregister(identity, c)

	if !errors.Is(reason, ErrSuperseded) {
		if err := c.cfg.Store.SetDeviceStatus(ctx, identity, store.StatusOffline); err != nil {
			metrics.StoreErrs.WithLabelValues("set_status").Inc()
			c.log.Error("offline status update failed", "error", err)
		}
	}
	c.publish(events.Event{Kind: events.KindDisconnect, Identity: identity, Time: c.clock.Now().UTC()})
	c.log.Info("device disconnected", "reason", reason)
}

func protoLabel(proto byte) string {
	switch proto {
	case protocol.ProtoLogin:
		return "login"
	case protocol.ProtoLocation:
		return "location"
	case protocol.ProtoHeartbeat:
		return "heartbeat"
	case protocol.ProtoCommandReply:
		return "command_reply"
	case protocol.ProtoAlarm:
		return "alarm"
	default:
		return "0x" + strconv.FormatUint(uint64(proto), 16)
	}
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
