// Package lora implements the LoRa device adapter. Field devices are
// reached through a ChirpStack Concentratord over ZeroMQ: events arrive
// on a SUB socket and downlinks go out on a REQ socket.
package lora

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/transport"
	"github.com/agsys/edge-sync/internal/transport/lora/gw"
)

const (
	DefaultEventURL   = "ipc:///tmp/concentratord_event"
	DefaultCommandURL = "ipc:///tmp/concentratord_command"

	defaultFrequency       = 915000000
	defaultSpreadingFactor = 10
	defaultBandwidth       = 125000
	defaultTxPower         = 20
	defaultConnectTimeout  = 5 * time.Second
	defaultSendTimeout     = 10 * time.Second
)

// radio holds the TX parameters for one session
type radio struct {
	frequency uint32
	sf        uint32
	bandwidth uint32
	codeRate  gw.CodeRate
	power     int32
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	events zmq4.Socket
	cmds   zmq4.Socket
	reqMu  sync.Mutex
	wg     sync.WaitGroup

	uid       UID
	key       []byte
	radio     radio
	gatewayID string
}

// Adapter is one field device's LoRa link
type Adapter struct {
	log zerolog.Logger

	m     *transport.Machine
	inbox transport.Inbox

	seq        atomic.Uint32
	nonce      atomic.Uint32
	downlinkID atomic.Uint32

	mu   sync.Mutex
	sess *session
}

// New creates a LoRa adapter
func New(log zerolog.Logger) *Adapter {
	a := &Adapter{
		log: log.With().Str("protocol", "lora").Logger(),
		m:   transport.NewMachine(),
	}
	// Seeded from the clock so a restart does not replay recent nonces
	a.nonce.Store(uint32(time.Now().Unix()))
	return a
}

func (a *Adapter) Protocol() transport.Protocol { return transport.ProtocolLoRa }

func (a *Adapter) State() transport.State { return a.m.State() }

func (a *Adapter) Watch(buf int) (<-chan transport.State, func()) { return a.m.Watch(buf) }

func (a *Adapter) Receive() <-chan transport.Frame { return a.inbox.Receive() }

// Connect dials Concentratord for the device whose UID is address. The
// session is up once the concentrator answers a gateway id request.
func (a *Adapter) Connect(ctx context.Context, address string, opts transport.Options) error {
	if err := a.m.Begin(); err != nil {
		return err
	}
	sess, err := a.dial(ctx, address, opts)
	if err != nil {
		a.m.Fail()
		return err
	}

	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()

	a.inbox.Open()
	sess.wg.Add(1)
	go a.eventLoop(sess)

	if err := a.m.To(transport.StateConnected); err != nil {
		a.drop(sess)
		return err
	}
	a.log.Debug().Str("uid", sess.uid.String()).Str("gateway", sess.gatewayID).Msg("connected")
	return nil
}

func (a *Adapter) dial(ctx context.Context, address string, opts transport.Options) (*session, error) {
	uid, err := ParseUID(address)
	if err != nil {
		return nil, transport.Wrap(transport.ErrRejected, "address", err)
	}
	key := DeriveKey(uid)
	if opts.AESKey != "" {
		if key, err = ParseKey(opts.AESKey); err != nil {
			return nil, transport.Wrap(transport.ErrRejected, "options", err)
		}
	}

	eventURL, cmdURL := opts.EventURL, opts.CommandURL
	if eventURL == "" {
		eventURL = DefaultEventURL
	}
	if cmdURL == "" {
		cmdURL = DefaultCommandURL
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:    sctx,
		cancel: cancel,
		uid:    uid,
		key:    key,
		radio:  radioFrom(opts),
	}

	s.events = zmq4.NewSub(sctx)
	if err := s.events.Dial(eventURL); err != nil {
		s.close()
		return nil, transport.Classify("dial "+eventURL, err)
	}
	if err := s.events.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		s.close()
		return nil, transport.Wrap(transport.ErrRejected, "subscribe", err)
	}
	s.cmds = zmq4.NewReq(sctx)
	if err := s.cmds.Dial(cmdURL); err != nil {
		s.close()
		return nil, transport.Classify("dial "+cmdURL, err)
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	cctx, ccancel := context.WithTimeout(ctx, timeout)
	defer ccancel()

	reply, err := s.exchange(cctx, []byte(gw.CommandGateway), []byte{})
	if err != nil {
		s.close()
		return nil, transport.Wrap(transport.ErrNotConnected, "concentratord "+cmdURL, err)
	}
	if s.gatewayID, err = gw.FormatGatewayID(reply); err != nil {
		a.log.Warn().Err(err).Msg("unreadable gateway id")
	}
	return s, nil
}

func radioFrom(opts transport.Options) radio {
	r := radio{
		frequency: opts.Frequency,
		sf:        opts.SpreadingFactor,
		bandwidth: opts.Bandwidth,
		codeRate:  gw.ParseCodeRate(opts.CodingRate),
		power:     opts.TxPower,
	}
	if r.frequency == 0 {
		r.frequency = defaultFrequency
	}
	if r.sf == 0 {
		r.sf = defaultSpreadingFactor
	}
	if r.bandwidth == 0 {
		r.bandwidth = defaultBandwidth
	}
	if r.power == 0 {
		r.power = defaultTxPower
	}
	return r
}

// exchange runs one REQ/REP round trip and returns the first reply frame.
// REQ sockets strictly alternate, so a timed out exchange leaves the
// session unusable.
func (s *session) exchange(ctx context.Context, frames ...[]byte) ([]byte, error) {
	type reply struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan reply, 1)
	go func() {
		s.reqMu.Lock()
		defer s.reqMu.Unlock()
		if err := s.cmds.Send(zmq4.NewMsgFrom(frames...)); err != nil {
			done <- reply{err: fmt.Errorf("send: %w", err)}
			return
		}
		msg, err := s.cmds.Recv()
		done <- reply{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.msg.Frames) == 0 {
			return nil, nil
		}
		return r.msg.Frames[0], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) close() {
	s.cancel()
	if s.events != nil {
		s.events.Close()
	}
	if s.cmds != nil {
		s.cmds.Close()
	}
}

// Send frames payload for the device, encrypts it and queues it as an
// immediate downlink. A TX ack other than OK is a rejection.
func (a *Adapter) Send(ctx context.Context, payload []byte, route transport.Route) error {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()
	if s == nil || !a.m.Ready() {
		return transport.Errorf(transport.ErrNotConnected, "lora %s", a.m.State())
	}

	body, err := Seal(s.key, a.nonce.Add(1), payload)
	if err != nil {
		return transport.Wrap(transport.ErrRejected, "encrypt", err)
	}
	msgType := route.MsgType
	if msgType == 0 {
		msgType = MsgCommand
	}
	phy := AppendFrame(nil, Header{UID: s.uid, Type: msgType, Seq: uint16(a.seq.Add(1))}, body)

	dl := &gw.DownlinkFrame{
		DownlinkId: a.downlinkID.Add(1),
		GatewayId:  s.gatewayID,
		Items: []*gw.DownlinkFrameItem{{
			PhyPayload: phy,
			TxInfo: &gw.DownlinkTxInfo{
				Frequency: s.radio.frequency,
				Power:     s.radio.power,
				Modulation: &gw.LoraModulationInfo{
					Bandwidth:             s.radio.bandwidth,
					SpreadingFactor:       s.radio.sf,
					CodeRate:              s.radio.codeRate,
					PolarizationInversion: true,
				},
				Immediately: true,
			},
		}},
	}
	data, err := gw.MarshalDownlinkFrame(dl)
	if err != nil {
		return transport.Wrap(transport.ErrRejected, "marshal downlink", err)
	}

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := s.exchange(sctx, []byte(gw.CommandDown), data)
	if err != nil {
		// The REQ socket is out of step now
		a.drop(s)
		if sctx.Err() != nil {
			return transport.Wrap(transport.ErrTimeout, "tx ack", err)
		}
		return transport.Wrap(transport.ErrNotConnected, "downlink", err)
	}
	ack, err := gw.UnmarshalDownlinkTxAck(reply)
	if err != nil {
		return transport.Wrap(transport.ErrRejected, "tx ack", err)
	}
	if st := ack.Status(); st != gw.TxAckStatus_OK {
		return transport.Errorf(transport.ErrRejected, "tx failed: %s", st)
	}

	a.log.Debug().Int("bytes", len(phy)).Uint32("freq", s.radio.frequency).Uint32("sf", s.radio.sf).Msg("tx")
	return nil
}

// eventLoop receives events from Concentratord
func (a *Adapter) eventLoop(s *session) {
	defer s.wg.Done()
	for {
		msg, err := s.events.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			a.log.Warn().Err(err).Msg("event socket failed")
			a.drop(s)
			return
		}
		if len(msg.Frames) < 2 {
			continue
		}

		switch string(msg.Frames[0]) {
		case gw.EventUplink:
			up, err := gw.UnmarshalUplinkFrame(msg.Frames[1])
			if err != nil {
				a.log.Warn().Err(err).Msg("bad uplink event")
				continue
			}
			a.handleUplink(s, up)
		case gw.EventStats:
			if st, err := gw.UnmarshalGatewayStats(msg.Frames[1]); err == nil {
				a.log.Debug().Uint32("rx_ok", st.RxPacketsReceivedOk).Uint32("tx", st.TxPacketsEmitted).Msg("gateway stats")
			}
		}
	}
}

// handleUplink publishes the decrypted body of frames addressed from this
// adapter's device. Other devices' frames on the shared concentrator are
// ignored.
func (a *Adapter) handleUplink(s *session, up *gw.UplinkFrame) {
	h, body, err := SplitFrame(up.PhyPayload)
	if err != nil || h.UID != s.uid {
		return
	}
	plain, err := Open(s.key, body)
	if err != nil {
		a.log.Warn().Err(err).Str("uid", h.UID.String()).Msg("failed to decrypt uplink")
		return
	}
	ev := a.log.Debug().Str("uid", h.UID.String()).Str("type", MessageName(h.Type)).Int("bytes", len(plain))
	if up.RxInfo != nil {
		ev = ev.Int32("rssi", up.RxInfo.Rssi).Float32("snr", up.RxInfo.Snr)
	}
	ev.Msg("rx")
	a.inbox.Publish(MessageName(h.Type), plain)
}

// drop ends a broken session
func (a *Adapter) drop(s *session) {
	a.mu.Lock()
	if a.sess != s {
		a.mu.Unlock()
		return
	}
	a.sess = nil
	a.mu.Unlock()

	s.close()
	a.inbox.Close()
	a.m.Fail()
}

// Disconnect closes both sockets
func (a *Adapter) Disconnect(ctx context.Context) error {
	if !a.m.Teardown() {
		return nil
	}
	a.mu.Lock()
	s := a.sess
	a.sess = nil
	a.mu.Unlock()

	if s != nil {
		s.close()
		s.wg.Wait()
	}
	a.inbox.Close()
	a.m.Finish()
	return nil
}
