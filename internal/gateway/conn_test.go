package gateway

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bythron/trackerd/internal/protocol"
	"github.com/bythron/trackerd/internal/store"
)

type mockStore struct {
	mu sync.Mutex

	UpsertDeviceOnLoginFunc func(ctx context.Context, imei string) (store.Device, error)
	TouchHeartbeatFunc      func(ctx context.Context, imei string, batteryPercent, gsmSignal int) error
	SetDeviceStatusFunc     func(ctx context.Context, imei, status string) error
	InsertLocationFunc      func(ctx context.Context, loc store.Location) (int64, error)

	logins    []string
	locations []store.Location
	statuses  map[string]string
}

func newMockStore() *mockStore {
	return &mockStore{statuses: make(map[string]string)}
}

func (m *mockStore) UpsertDeviceOnLogin(ctx context.Context, imei string) (store.Device, error) {
	m.mu.Lock()
	m.logins = append(m.logins, imei)
	m.mu.Unlock()
	if m.UpsertDeviceOnLoginFunc != nil {
		return m.UpsertDeviceOnLoginFunc(ctx, imei)
	}
	return store.Device{ID: 1, IMEI: imei, Name: imei, Status: store.StatusOnline}, nil
}

func (m *mockStore) TouchHeartbeat(ctx context.Context, imei string, batteryPercent, gsmSignal int) error {
	if m.TouchHeartbeatFunc != nil {
		return m.TouchHeartbeatFunc(ctx, imei, batteryPercent, gsmSignal)
	}
	return nil
}

func (m *mockStore) SetDeviceStatus(ctx context.Context, imei, status string) error {
	m.mu.Lock()
	m.statuses[imei] = status
	m.mu.Unlock()
	if m.SetDeviceStatusFunc != nil {
		return m.SetDeviceStatusFunc(ctx, imei, status)
	}
	return nil
}

func (m *mockStore) InsertLocation(ctx context.Context, loc store.Location) (int64, error) {
	m.mu.Lock()
	m.locations = append(m.locations, loc)
	m.mu.Unlock()
	if m.InsertLocationFunc != nil {
		return m.InsertLocationFunc(ctx, loc)
	}
	return int64(len(m.locations)), nil
}

func (m *mockStore) Locations() []store.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Location{}, m.locations...)
}

func (m *mockStore) Status(imei string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[imei]
}

type testGateway struct {
	store    *mockStore
	server   *Server
	addr     string
	cancel   context.CancelFunc
	serveErr <-chan error
}

func newTestGateway(t *testing.T, mutate func(*Config)) *testGateway {
	t.Helper()

	ms := newMockStore()
	cfg := &Config{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:          ms,
		CommandTimeout: 2 * time.Second,
		ShutdownGrace:  time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := srv.Start(ctx, cancel, listener)
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	return &testGateway{store: ms, server: srv, addr: listener.Addr().String(), cancel: cancel, serveErr: errCh}
}

func (g *testGateway) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", g.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// buildFrame seals a body into a complete wire frame.
func buildFrame(t *testing.T, proto byte, body []byte, serial uint16) []byte {
	t.Helper()
	frame := []byte{0x78, 0x78, byte(1 + len(body) + 4), proto}
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint16(frame, serial)
	frame = binary.BigEndian.AppendUint16(frame, protocol.ChecksumITU(frame[2:]))
	return append(frame, 0x0D, 0x0A)
}

func loginFrame(t *testing.T, serial uint16) []byte {
	return buildFrame(t, protocol.ProtoLogin, []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}, serial)
}

const testIdentity = "0123456789012345"

// readFrame reads one complete frame off the device side of the socket.
func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	header := make([]byte, 3)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	rest := make([]byte, int(header[2])+2)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)
	return append(header, rest...)
}

func requireNoBytes(t *testing.T, conn net.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	netErr, ok := err.(net.Error)
	require.True(t, ok, "expected read timeout, got %v", err)
	require.True(t, netErr.Timeout())
}

func login(t *testing.T, g *testGateway, conn net.Conn) {
	t.Helper()
	_, err := conn.Write(loginFrame(t, 1))
	require.NoError(t, err)
	ack := readFrame(t, conn)
	require.Equal(t, byte(protocol.ProtoLogin), ack[3])
}

func TestGateway_Conn_LoginAfterGarbageIsAcked(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	conn := g.dial(t)

	// Leading junk before the start marker is discarded during re-sync.
	stream := append([]byte{0xAA, 0xBB}, loginFrame(t, 1)...)
	_, err := conn.Write(stream)
	require.NoError(t, err)

	ack := readFrame(t, conn)
	require.Equal(t, []byte{0x78, 0x78, 0x05, 0x01, 0x00, 0x01}, ack[:6])
	require.Equal(t, protocol.ChecksumITU(ack[2:6]), binary.BigEndian.Uint16(ack[6:8]))
	require.Equal(t, []byte{0x0D, 0x0A}, ack[8:])

	g.store.mu.Lock()
	logins := append([]string{}, g.store.logins...)
	g.store.mu.Unlock()
	require.Equal(t, []string{testIdentity}, logins)

	// The identity is registered once.
	_, ok := g.server.Registry().Lookup(testIdentity)
	require.True(t, ok)
}

func TestGateway_Conn_SplitFrameAcksOnlyWhenComplete(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	conn := g.dial(t)

	frame := loginFrame(t, 1)
	_, err := conn.Write(frame[:10])
	require.NoError(t, err)
	requireNoBytes(t, conn, 200*time.Millisecond)

	_, err = conn.Write(frame[10:])
	require.NoError(t, err)
	ack := readFrame(t, conn)
	require.Equal(t, byte(protocol.ProtoLogin), ack[3])
}

func TestGateway_Conn_UnauthenticatedTrafficDropped(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	conn := g.dial(t)

	// A heartbeat before login gets no ACK and touches nothing.
	_, err := conn.Write(buildFrame(t, protocol.ProtoHeartbeat, []byte{0x47, 0x05, 0x03, 0x00, 0x01}, 2))
	require.NoError(t, err)
	requireNoBytes(t, conn, 200*time.Millisecond)
	require.Empty(t, g.store.Locations())
}

func TestGateway_Conn_LocationPersistedAndAcked(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	conn := g.dial(t)
	login(t, g, conn)

	// Raw coordinates of one degree with only the gps-valid bit set decode
	// to the southern and eastern hemispheres.
	body := []byte{26, 8, 25, 12, 0, 0, 0xCB}
	body = binary.BigEndian.AppendUint32(body, 1800000)
	body = binary.BigEndian.AppendUint32(body, 1800000)
	body = append(body, 0x28)
	body = binary.BigEndian.AppendUint16(body, 0x1000)
	_, err := conn.Write(buildFrame(t, protocol.ProtoLocation, body, 2))
	require.NoError(t, err)

	ack := readFrame(t, conn)
	require.Equal(t, byte(protocol.ProtoLocation), ack[3])
	require.Equal(t, uint16(2), binary.BigEndian.Uint16(ack[4:6]))

	locs := g.store.Locations()
	require.Len(t, locs, 1)
	require.InDelta(t, -1.0, locs[0].Latitude, 1e-9)
	require.InDelta(t, 1.0, locs[0].Longitude, 1e-9)
	require.True(t, locs[0].GPSValid)
	require.Equal(t, float64(0x28), locs[0].Speed)
	require.Equal(t, int64(1), locs[0].DeviceID)
}

func TestGateway_Conn_StoreFailureStillAcks(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	g.store.InsertLocationFunc = func(context.Context, store.Location) (int64, error) {
		return 0, context.DeadlineExceeded
	}
	conn := g.dial(t)
	login(t, g, conn)

	body := []byte{26, 8, 25, 12, 0, 0, 0xCB}
	body = binary.BigEndian.AppendUint32(body, 1800000)
	body = binary.BigEndian.AppendUint32(body, 1800000)
	body = append(body, 0x00)
	body = binary.BigEndian.AppendUint16(body, 0x1000)
	_, err := conn.Write(buildFrame(t, protocol.ProtoLocation, body, 7))
	require.NoError(t, err)

	// The device would retry faster than the store can recover, so the ACK
	// still goes out.
	ack := readFrame(t, conn)
	require.Equal(t, byte(protocol.ProtoLocation), ack[3])
	require.Equal(t, uint16(7), binary.BigEndian.Uint16(ack[4:6]))
}

func TestGateway_Conn_CommandRoundTrip(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	conn := g.dial(t)
	login(t, g, conn)

	dispatcher := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), g.server.Registry(), 2*time.Second)

	type dispatchResult struct {
		res CommandResult
		err error
	}
	resCh := make(chan dispatchResult, 1)
	go func() {
		res, err := dispatcher.SendCommand(context.Background(), testIdentity, "STATUS#", 2*time.Second)
		resCh <- dispatchResult{res, err}
	}()

	// Device side: read the outbound command frame.
	cmd := readFrame(t, conn)
	require.Equal(t, byte(protocol.ProtoCommand), cmd[3])
	require.Equal(t, byte(4+len("STATUS#")), cmd[4])
	serverFlag := binary.BigEndian.Uint32(cmd[5:9])
	require.Equal(t, uint32(0xA001), serverFlag)
	require.Equal(t, "STATUS#", string(cmd[9:9+len("STATUS#")]))

	// Echo the flag back in a 0x15 reply.
	replyContent := "Battery=80%"
	body := []byte{byte(4 + len(replyContent))}
	body = binary.BigEndian.AppendUint32(body, serverFlag)
	body = append(body, replyContent...)
	body = append(body, 0x00, 0x01)
	_, err := conn.Write(buildFrame(t, protocol.ProtoCommandReply, body, 3))
	require.NoError(t, err)

	res := <-resCh
	require.NoError(t, res.err)
	require.True(t, res.res.Success)
	require.NotNil(t, res.res.Reply)
	require.Equal(t, "Battery=80%", *res.res.Reply)
	require.Equal(t, uint32(0xA001), res.res.ServerFlag)
	require.Empty(t, res.res.Note)

	// A CommandReply is the one inbound packet that gets no ACK.
	requireNoBytes(t, conn, 200*time.Millisecond)
}

func TestGateway_Conn_CommandTimeoutIsDeliveredWithoutReply(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	conn := g.dial(t)
	login(t, g, conn)

	dispatcher := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), g.server.Registry(), time.Second)

	resCh := make(chan CommandResult, 1)
	go func() {
		res, err := dispatcher.SendCommand(context.Background(), testIdentity, "DYD#", 300*time.Millisecond)
		require.NoError(t, err)
		resCh <- res
	}()

	cmd := readFrame(t, conn)
	require.Equal(t, byte(protocol.ProtoCommand), cmd[3])

	res := <-resCh
	require.True(t, res.Success)
	require.Nil(t, res.Reply)
	require.Equal(t, "no reply within timeout", res.Note)

	// A late reply after the caller gave up is discarded, not crashed on.
	body := []byte{byte(4 + 2)}
	body = binary.BigEndian.AppendUint32(body, res.ServerFlag)
	body = append(body, "OK"...)
	body = append(body, 0x00, 0x01)
	_, err := conn.Write(buildFrame(t, protocol.ProtoCommandReply, body, 4))
	require.NoError(t, err)
	requireNoBytes(t, conn, 200*time.Millisecond)
}

func TestGateway_Conn_SupersedeClosesPredecessor(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)

	c1 := g.dial(t)
	login(t, g, c1)

	// Park a command waiter on C1 so supersede has something to fail.
	dispatcher := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), g.server.Registry(), 5*time.Second)
	errCh := make(chan error, 1)
	go func() {
		_, err := dispatcher.SendCommand(context.Background(), testIdentity, "STATUS#", 5*time.Second)
		errCh <- err
	}()
	readFrame(t, c1) // the 0x80 frame

	c2 := g.dial(t)
	login(t, g, c2)

	// C1's waiter resolves with the supersede error and its socket closes.
	require.ErrorIs(t, <-errCh, ErrSuperseded)
	require.NoError(t, c1.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadAll(c1)
	require.NoError(t, err)

	// The registry holds exactly the successor, and the device was not
	// flipped offline by the displaced session's cleanup.
	require.Never(t, func() bool {
		return g.store.Status(testIdentity) == store.StatusOffline
	}, 300*time.Millisecond, 50*time.Millisecond)
	require.Equal(t, 1, g.server.Registry().Count())
}

func TestGateway_Conn_DisconnectMarksOffline(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	conn := g.dial(t)
	login(t, g, conn)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return g.store.Status(testIdentity) == store.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, g.server.Registry().Count())
}

func TestGateway_Conn_HeartbeatTouchesDevice(t *testing.T) {
	t.Parallel()

	type touch struct {
		imei    string
		battery int
		gsm     int
	}
	touched := make(chan touch, 1)

	g := newTestGateway(t, nil)
	g.store.TouchHeartbeatFunc = func(_ context.Context, imei string, batteryPercent, gsmSignal int) error {
		touched <- touch{imei, batteryPercent, gsmSignal}
		return nil
	}

	conn := g.dial(t)
	login(t, g, conn)

	// Voltage bucket 5 maps to 80%, GSM 3 to 3 bars.
	_, err := conn.Write(buildFrame(t, protocol.ProtoHeartbeat, []byte{0x47, 0x05, 0x03, 0x00, 0x01}, 9))
	require.NoError(t, err)

	ack := readFrame(t, conn)
	require.Equal(t, byte(protocol.ProtoHeartbeat), ack[3])
	require.Equal(t, uint16(9), binary.BigEndian.Uint16(ack[4:6]))

	got := <-touched
	require.Equal(t, touch{testIdentity, 80, 3}, got)
}

func TestGateway_Conn_AlarmPersistedWithKind(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil)
	conn := g.dial(t)
	login(t, g, conn)

	body := []byte{26, 8, 25, 12, 0, 0, 0xCB}
	body = binary.BigEndian.AppendUint32(body, 1800000)
	body = binary.BigEndian.AppendUint32(body, 1800000)
	body = append(body, 0x0A)
	body = binary.BigEndian.AppendUint16(body, 0x1C00)
	body = append(body, 0x05, 0x00, 0x01, 0x12, 0x34) // lbs block, length byte included
	body = append(body, 0x43, 0x04, 0x02, 0x01, 0x01) // status block: SOS
	_, err := conn.Write(buildFrame(t, protocol.ProtoAlarm, body, 6))
	require.NoError(t, err)

	ack := readFrame(t, conn)
	require.Equal(t, byte(protocol.ProtoAlarm), ack[3])

	locs := g.store.Locations()
	require.Len(t, locs, 1)
	require.True(t, locs[0].IsAlarm)
	require.NotNil(t, locs[0].AlarmType)
	require.Equal(t, "SOS", *locs[0].AlarmType)
	require.InDelta(t, 1.0, locs[0].Latitude, 1e-9)
	require.InDelta(t, -1.0, locs[0].Longitude, 1e-9)
}

func TestGateway_Dispatcher_NotConnected(t *testing.T) {
	t.Parallel()

	dispatcher := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), NewRegistry(), time.Second)
	_, err := dispatcher.SendCommand(context.Background(), "8600000000000000", "STATUS#", time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
}
