package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
)

// Type ids of non-command payloads. Commands use their Kind.
const (
	typeConfiguration     uint16 = 100
	typeState             uint16 = 101
	typeRemoteBucketState uint16 = 102
	typeCommandResult     uint16 = 103
	typeRequest           uint16 = 104
)

// Tags of values carried by a CommandResult.
const (
	tagNil byte = iota
	tagBool
	tagInt64
	tagConsumptionProbe
	tagEstimationProbe
	tagConfiguration
	tagRemoteBucketState
	tagMultiResult
	tagVerboseResult
)

const (
	flagIntervally byte = 1 << iota
	flagGuaranteed
)

// maxNesting bounds recursion through Multi, Verbose and
// CreateInitialStateAndExecute when decoding.
const maxNesting = 16

// ErrMalformed is returned when a payload cannot be decoded.
var ErrMalformed = errors.New("malformed payload")

func checkVersion(typeID uint16, v Version) error {
	if v < MinSupportedVersion || v > CurrentVersion {
		return &bferrors.VersionError{TypeID: typeID, Version: v, Min: MinSupportedVersion, Max: CurrentVersion}
	}
	return nil
}

// MarshalCommand encodes cmd for protocol version v.
func MarshalCommand(cmd Command, v Version) ([]byte, error) {
	w := &writer{version: v}
	w.command(cmd, 0)
	return w.bytes()
}

// UnmarshalCommand decodes a command written by MarshalCommand.
func UnmarshalCommand(data []byte) (Command, error) {
	r := &reader{buf: data}
	cmd := r.command(0)
	return cmd, r.finish()
}

// MarshalConfiguration encodes cfg for protocol version v.
func MarshalConfiguration(cfg *bucket.Configuration, v Version) ([]byte, error) {
	w := &writer{version: v}
	w.configuration(cfg)
	return w.bytes()
}

// UnmarshalConfiguration decodes and validates a configuration.
func UnmarshalConfiguration(data []byte) (*bucket.Configuration, error) {
	r := &reader{buf: data}
	cfg := r.configuration()
	return cfg, r.finish()
}

// MarshalState encodes a remote bucket state for protocol version v.
func MarshalState(s *RemoteBucketState, v Version) ([]byte, error) {
	w := &writer{version: v}
	w.remoteState(s)
	return w.bytes()
}

// UnmarshalState decodes a remote bucket state.
func UnmarshalState(data []byte) (*RemoteBucketState, error) {
	r := &reader{buf: data}
	s := r.remoteState()
	return s, r.finish()
}

// MarshalResult encodes a command result for protocol version v.
func MarshalResult(res CommandResult, v Version) ([]byte, error) {
	w := &writer{version: v}
	w.result(res, 0)
	return w.bytes()
}

// UnmarshalResult decodes a command result.
func UnmarshalResult(data []byte) (CommandResult, error) {
	r := &reader{buf: data}
	res := r.result(0)
	return res, r.finish()
}

// MarshalRequest encodes req at req.Version.
func MarshalRequest(req Request) ([]byte, error) {
	w := &writer{version: req.Version}
	w.header(typeRequest)
	w.u16(req.Version)
	w.boolean(req.ClientTimeNanos != nil)
	if req.ClientTimeNanos != nil {
		w.i64(*req.ClientTimeNanos)
	} else {
		w.i64(0)
	}
	w.command(req.Command, 0)
	return w.bytes()
}

// UnmarshalRequest decodes a request. A request written by a newer client
// fails with an error wrapping errors.ErrUnsupportedVersion.
func UnmarshalRequest(data []byte) (Request, error) {
	r := &reader{buf: data}
	r.header(typeRequest)
	req := Request{Version: r.u16()}
	if r.err == nil {
		r.err = checkVersion(typeRequest, req.Version)
	}
	hasTime := r.boolean()
	t := r.i64()
	if hasTime {
		req.ClientTimeNanos = &t
	}
	req.Command = r.command(0)
	if err := r.finish(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// CheckRequest verifies that the backend can serve req.
func CheckRequest(req Request) error {
	if err := checkVersion(typeRequest, req.Version); err != nil {
		return err
	}
	if req.Command == nil {
		return fmt.Errorf("%w: request without command", ErrMalformed)
	}
	if rv := req.Command.RequiredVersion(); rv > req.Version {
		return &bferrors.VersionError{TypeID: uint16(req.Command.Kind()), Version: req.Version, Min: rv, Max: CurrentVersion}
	}
	return nil
}

type writer struct {
	buf     []byte
	version Version
	err     error
}

func (w *writer) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (w *writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *writer) header(typeID uint16) {
	if w.err == nil {
		w.fail(checkVersion(typeID, w.version))
	}
	w.u16(typeID)
	w.u16(w.version)
}

func (w *writer) u8(v byte)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) i32(v int32)  { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *writer) i64(v int64)  { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) length(n int) {
	if n > math.MaxInt32 {
		w.fail(fmt.Errorf("%w: length %d exceeds int32", ErrMalformed, n))
		return
	}
	w.i32(int32(n))
}

func (w *writer) str(s string) {
	w.length(len(s))
	w.buf = append(w.buf, s...)
}

func (w *writer) configuration(cfg *bucket.Configuration) {
	if cfg == nil {
		w.fail(fmt.Errorf("%w: nil configuration", ErrMalformed))
		return
	}
	w.header(typeConfiguration)
	bws := cfg.Bandwidths()
	w.length(len(bws))
	for _, b := range bws {
		w.i64(b.Capacity)
		w.i64(b.InitialTokens)
		w.i64(b.Refill.Tokens)
		w.i64(int64(b.Refill.Period))
		var flags byte
		if b.Refill.Intervally {
			flags |= flagIntervally
		}
		if b.Guaranteed {
			flags |= flagGuaranteed
		}
		w.u8(flags)
		if w.version >= V2 {
			w.str(b.ID)
		}
	}
}

func (w *writer) state(s bucket.State) {
	w.header(typeState)
	w.length(len(s.Bandwidths))
	for _, b := range s.Bandwidths {
		w.i64(b.Tokens)
		w.i64(b.LastRefillNanos)
	}
}

func (w *writer) remoteState(s *RemoteBucketState) {
	if s == nil {
		w.fail(fmt.Errorf("%w: nil state", ErrMalformed))
		return
	}
	w.header(typeRemoteBucketState)
	w.configuration(s.Configuration)
	w.state(s.State)
}

func (w *writer) command(cmd Command, depth int) {
	if cmd == nil {
		w.fail(fmt.Errorf("%w: nil command", ErrMalformed))
		return
	}
	if depth > maxNesting {
		w.fail(fmt.Errorf("%w: commands nested deeper than %d", ErrMalformed, maxNesting))
		return
	}
	if rv := cmd.RequiredVersion(); rv > w.version {
		w.fail(&bferrors.VersionError{TypeID: uint16(cmd.Kind()), Version: w.version, Min: rv, Max: CurrentVersion})
		return
	}
	w.header(uint16(cmd.Kind()))
	switch c := cmd.(type) {
	case CreateInitialState:
		w.configuration(c.Configuration)
	case CreateInitialStateAndExecute:
		w.configuration(c.Configuration)
		w.command(c.Command, depth+1)
	case Multi:
		w.length(len(c.Commands))
		for _, sub := range c.Commands {
			w.command(sub, depth+1)
		}
	case ReserveAndCalculateTimeToSleep:
		w.i64(c.Tokens)
		w.i64(c.MaxWaitNanos)
	case AddTokens:
		w.i64(c.Tokens)
	case ForceAddTokens:
		w.i64(c.Tokens)
	case ConsumeAsMuchAsPossible:
		w.i64(c.Limit)
	case TryConsume:
		w.i64(c.Tokens)
	case TryConsumeAndReturnRemaining:
		w.i64(c.Tokens)
	case EstimateAbilityToConsume:
		w.i64(c.Tokens)
	case ConsumeIgnoringRateLimits:
		w.i64(c.Tokens)
	case ReplaceConfigurationOrReturnPrevious:
		w.configuration(c.Configuration)
		w.u8(byte(c.Strategy))
	case Verbose:
		w.command(c.Command, depth+1)
	case Sync:
		w.i64(c.UnsynchronizedTokens)
		w.i64(c.NanosSinceLastSync)
	case CreateSnapshot, GetAvailableTokens, GetConfiguration, Reset:
	default:
		w.fail(fmt.Errorf("%w: unknown command %T", ErrMalformed, cmd))
	}
}

func (w *writer) result(res CommandResult, depth int) {
	w.header(typeCommandResult)
	w.boolean(res.NotFound)
	if res.NotFound {
		return
	}
	w.value(res.Data, depth)
}

func (w *writer) value(v any, depth int) {
	if depth > maxNesting {
		w.fail(fmt.Errorf("%w: results nested deeper than %d", ErrMalformed, maxNesting))
		return
	}
	switch d := v.(type) {
	case nil:
		w.u8(tagNil)
	case bool:
		w.u8(tagBool)
		w.boolean(d)
	case int64:
		w.u8(tagInt64)
		w.i64(d)
	case bucket.ConsumptionProbe:
		w.u8(tagConsumptionProbe)
		w.boolean(d.Consumed)
		w.i64(d.RemainingTokens)
		w.i64(d.NanosToWaitForRefill)
		if w.version >= V2 {
			w.i64(d.NanosToWaitForReset)
		}
	case bucket.EstimationProbe:
		w.u8(tagEstimationProbe)
		w.boolean(d.CanBeConsumed)
		w.i64(d.RemainingTokens)
		w.i64(d.NanosToWaitForRefill)
	case *bucket.Configuration:
		if d == nil {
			w.u8(tagNil)
			return
		}
		w.u8(tagConfiguration)
		w.configuration(d)
	case *RemoteBucketState:
		if d == nil {
			w.u8(tagNil)
			return
		}
		w.u8(tagRemoteBucketState)
		w.remoteState(d)
	case MultiResult:
		w.u8(tagMultiResult)
		w.length(len(d))
		for _, sub := range d {
			w.result(sub, depth+1)
		}
	case VerboseResult:
		w.u8(tagVerboseResult)
		w.i64(d.OperationTimeNanos)
		w.value(d.Value, depth+1)
		w.value(d.State, depth+1)
	default:
		w.fail(fmt.Errorf("%w: unsupported result data %T", ErrMalformed, v))
	}
}

// reader decodes with a sticky error: after the first failure every read
// returns a zero value.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf)-r.off)
	}
	return nil
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.fail(fmt.Errorf("%w: unexpected end of data at offset %d", ErrMalformed, r.off))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) i32() int32 {
	if b := r.take(4); b != nil {
		return int32(binary.BigEndian.Uint32(b))
	}
	return 0
}

func (r *reader) i64() int64 {
	if b := r.take(8); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

func (r *reader) boolean() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(fmt.Errorf("%w: invalid boolean at offset %d", ErrMalformed, r.off-1))
		return false
	}
}

// length reads a count of elements each at least minSize bytes long.
func (r *reader) length(minSize int) int {
	n := int(r.i32())
	if r.err != nil {
		return 0
	}
	if n < 0 || n*minSize > len(r.buf)-r.off {
		r.fail(fmt.Errorf("%w: invalid length %d at offset %d", ErrMalformed, n, r.off-4))
		return 0
	}
	return n
}

func (r *reader) str() string {
	return string(r.take(r.length(1)))
}

// header reads and checks a type header, returning the payload version.
func (r *reader) header(want uint16) Version {
	typeID, v := r.u16(), r.u16()
	if r.err != nil {
		return 0
	}
	if typeID != want {
		r.fail(fmt.Errorf("%w: type %d where %d expected", ErrMalformed, typeID, want))
		return 0
	}
	r.fail(checkVersion(typeID, v))
	return v
}

func (r *reader) configuration() *bucket.Configuration {
	v := r.header(typeConfiguration)
	n := r.length(33)
	bws := make([]bucket.Bandwidth, 0, n)
	for i := 0; i < n; i++ {
		b := bucket.Bandwidth{
			Capacity:      r.i64(),
			InitialTokens: r.i64(),
		}
		b.Refill.Tokens = r.i64()
		b.Refill.Period = time.Duration(r.i64())
		flags := r.u8()
		b.Refill.Intervally = flags&flagIntervally != 0
		b.Guaranteed = flags&flagGuaranteed != 0
		if v >= V2 {
			b.ID = r.str()
		}
		bws = append(bws, b)
	}
	if r.err != nil {
		return nil
	}
	cfg, err := bucket.NewConfiguration(bws...)
	if err != nil {
		r.fail(fmt.Errorf("%w: %w", ErrMalformed, err))
		return nil
	}
	return cfg
}

func (r *reader) state() bucket.State {
	r.header(typeState)
	n := r.length(16)
	s := bucket.State{Bandwidths: make([]bucket.BandwidthState, n)}
	for i := range s.Bandwidths {
		s.Bandwidths[i] = bucket.BandwidthState{Tokens: r.i64(), LastRefillNanos: r.i64()}
	}
	return s
}

func (r *reader) remoteState() *RemoteBucketState {
	r.header(typeRemoteBucketState)
	cfg := r.configuration()
	st := r.state()
	if r.err != nil {
		return nil
	}
	if len(st.Bandwidths) != cfg.Len() {
		r.fail(fmt.Errorf("%w: state holds %d bandwidths, configuration %d",
			ErrMalformed, len(st.Bandwidths), cfg.Len()))
		return nil
	}
	return &RemoteBucketState{Configuration: cfg, State: st}
}

func (r *reader) command(depth int) Command {
	if depth > maxNesting {
		r.fail(fmt.Errorf("%w: commands nested deeper than %d", ErrMalformed, maxNesting))
		return nil
	}
	kind, v := Kind(r.u16()), r.u16()
	if r.err != nil {
		return nil
	}
	if _, ok := kindNames[kind]; !ok {
		r.fail(fmt.Errorf("%w: unknown command type %d", ErrMalformed, kind))
		return nil
	}
	if err := checkVersion(uint16(kind), v); err != nil {
		r.fail(err)
		return nil
	}

	var cmd Command
	switch kind {
	case KindCreateInitialState:
		cmd = CreateInitialState{Configuration: r.configuration()}
	case KindCreateInitialStateAndExecute:
		cfg := r.configuration()
		cmd = CreateInitialStateAndExecute{Configuration: cfg, Command: r.command(depth + 1)}
	case KindMulti:
		n := r.length(4)
		cmds := make([]Command, 0, n)
		for i := 0; i < n; i++ {
			cmds = append(cmds, r.command(depth+1))
		}
		cmd = Multi{Commands: cmds}
	case KindReserveAndCalculateTimeToSleep:
		tokens := r.i64()
		cmd = ReserveAndCalculateTimeToSleep{Tokens: tokens, MaxWaitNanos: r.i64()}
	case KindAddTokens:
		cmd = AddTokens{Tokens: r.i64()}
	case KindForceAddTokens:
		cmd = ForceAddTokens{Tokens: r.i64()}
	case KindConsumeAsMuchAsPossible:
		cmd = ConsumeAsMuchAsPossible{Limit: r.i64()}
	case KindTryConsume:
		cmd = TryConsume{Tokens: r.i64()}
	case KindTryConsumeAndReturnRemaining:
		cmd = TryConsumeAndReturnRemaining{Tokens: r.i64()}
	case KindEstimateAbilityToConsume:
		cmd = EstimateAbilityToConsume{Tokens: r.i64()}
	case KindConsumeIgnoringRateLimits:
		cmd = ConsumeIgnoringRateLimits{Tokens: r.i64()}
	case KindReplaceConfigurationOrReturnPrevious:
		cfg := r.configuration()
		strategy := bucket.TokensInheritanceStrategy(r.u8())
		if strategy > bucket.Additive {
			r.fail(fmt.Errorf("%w: unknown inheritance strategy %d", ErrMalformed, strategy))
		}
		cmd = ReplaceConfigurationOrReturnPrevious{Configuration: cfg, Strategy: strategy}
	case KindVerbose:
		cmd = Verbose{Command: r.command(depth + 1)}
	case KindSync:
		unsynced := r.i64()
		cmd = Sync{UnsynchronizedTokens: unsynced, NanosSinceLastSync: r.i64()}
	case KindCreateSnapshot:
		cmd = CreateSnapshot{}
	case KindGetAvailableTokens:
		cmd = GetAvailableTokens{}
	case KindGetConfiguration:
		cmd = GetConfiguration{}
	case KindReset:
		cmd = Reset{}
	}
	if r.err != nil {
		return nil
	}
	if rv := cmd.RequiredVersion(); rv > v {
		r.fail(&bferrors.VersionError{TypeID: uint16(kind), Version: v, Min: rv, Max: CurrentVersion})
		return nil
	}
	return cmd
}

func (r *reader) result(depth int) CommandResult {
	v := r.header(typeCommandResult)
	if r.boolean() {
		return NotFoundResult()
	}
	return Found(r.value(v, depth))
}

func (r *reader) value(v Version, depth int) any {
	if depth > maxNesting {
		r.fail(fmt.Errorf("%w: results nested deeper than %d", ErrMalformed, maxNesting))
		return nil
	}
	switch tag := r.u8(); tag {
	case tagNil:
		return nil
	case tagBool:
		return r.boolean()
	case tagInt64:
		return r.i64()
	case tagConsumptionProbe:
		p := bucket.ConsumptionProbe{Consumed: r.boolean()}
		p.RemainingTokens = r.i64()
		p.NanosToWaitForRefill = r.i64()
		if v >= V2 {
			p.NanosToWaitForReset = r.i64()
		}
		return p
	case tagEstimationProbe:
		p := bucket.EstimationProbe{CanBeConsumed: r.boolean()}
		p.RemainingTokens = r.i64()
		p.NanosToWaitForRefill = r.i64()
		return p
	case tagConfiguration:
		return r.configuration()
	case tagRemoteBucketState:
		return r.remoteState()
	case tagMultiResult:
		n := r.length(5)
		results := make(MultiResult, 0, n)
		for i := 0; i < n; i++ {
			results = append(results, r.result(depth+1))
		}
		return results
	case tagVerboseResult:
		vr := VerboseResult{OperationTimeNanos: r.i64()}
		vr.Value = r.value(v, depth+1)
		if s, ok := r.value(v, depth+1).(*RemoteBucketState); ok {
			vr.State = s
		}
		return vr
	default:
		if r.err == nil {
			r.fail(fmt.Errorf("%w: unknown result tag %d", ErrMalformed, tag))
		}
		return nil
	}
}
