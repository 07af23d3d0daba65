package command

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/vnykmshr/bucketflow/internal/testutil"
	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
)

var namedConfiguration = bucket.MustConfiguration(
	bucket.Simple(10, time.Second).WithID("second"),
	bucket.Classic(100, bucket.Intervally(100, time.Minute)).WithID("minute").WithInitialTokens(40),
)

func TestCommandRoundTrip(t *testing.T) {
	commands := []Command{
		TryConsume{Tokens: 3},
		TryConsumeAndReturnRemaining{Tokens: 2},
		ConsumeAll(),
		AddTokens{Tokens: 4},
		ForceAddTokens{Tokens: 5},
		Reset{},
		ConsumeIgnoringRateLimits{Tokens: 6},
		ReserveAndCalculateTimeToSleep{Tokens: 1, MaxWaitNanos: int64(time.Second)},
		GetAvailableTokens{},
		GetConfiguration{},
		EstimateAbilityToConsume{Tokens: 7},
		CreateSnapshot{},
		CreateInitialState{Configuration: namedConfiguration},
		ReplaceConfigurationOrReturnPrevious{Configuration: namedConfiguration, Strategy: bucket.Proportionally},
		Sync{UnsynchronizedTokens: 10, NanosSinceLastSync: 20},
		Verbose{Command: TryConsume{Tokens: 1}},
		CreateInitialStateAndExecute{Configuration: namedConfiguration, Command: GetAvailableTokens{}},
		Multi{Commands: []Command{TryConsume{Tokens: 1}, CreateSnapshot{}}},
	}

	for _, cmd := range commands {
		t.Run(cmd.Kind().String(), func(t *testing.T) {
			data, err := MarshalCommand(cmd, CurrentVersion)
			testutil.AssertNoError(t, err)

			decoded, err := UnmarshalCommand(data)
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, decoded.Kind(), cmd.Kind())

			again, err := MarshalCommand(decoded, CurrentVersion)
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, string(again), string(data))
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	st := NewRemoteBucketState(namedConfiguration, 1234)
	st.State.Consume(3)

	data, err := MarshalState(st, CurrentVersion)
	testutil.AssertNoError(t, err)

	decoded, err := UnmarshalState(data)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, decoded.Equal(st), true)
	testutil.AssertEqual(t, decoded.Configuration.Bandwidth(1).ID, "minute")
}

func TestResultRoundTrip(t *testing.T) {
	st := NewRemoteBucketState(namedConfiguration, 0)
	results := []CommandResult{
		NotFoundResult(),
		Found(nil),
		Found(true),
		Found(int64(-5)),
		Found(bucket.ConsumptionProbe{Consumed: true, RemainingTokens: 4, NanosToWaitForReset: 99}),
		Found(bucket.EstimationProbe{RemainingTokens: 1, NanosToWaitForRefill: 7}),
	}
	for _, res := range results {
		data, err := MarshalResult(res, CurrentVersion)
		testutil.AssertNoError(t, err)
		decoded, err := UnmarshalResult(data)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, decoded, res)
	}

	nested := Found(MultiResult{
		Found(VerboseResult{OperationTimeNanos: 5, Value: int64(3), State: st}),
		Found(namedConfiguration),
		Found(st),
		NotFoundResult(),
	})
	data, err := MarshalResult(nested, CurrentVersion)
	testutil.AssertNoError(t, err)
	decoded, err := UnmarshalResult(data)
	testutil.AssertNoError(t, err)

	multi := decoded.Data.(MultiResult)
	testutil.AssertEqual(t, len(multi), 4)
	vr := multi[0].Data.(VerboseResult)
	testutil.AssertEqual(t, vr.Value, any(int64(3)))
	testutil.AssertEqual(t, vr.State.Equal(st), true)
	testutil.AssertEqual(t, multi[1].Data.(*bucket.Configuration).Equal(namedConfiguration), true)
	testutil.AssertEqual(t, multi[2].Data.(*RemoteBucketState).Equal(st), true)
	testutil.AssertEqual(t, multi[3].NotFound, true)
}

func TestRequestRoundTrip(t *testing.T) {
	req := NewRequest(TryConsume{Tokens: 2}).WithClientTime(777)
	data, err := MarshalRequest(req)
	testutil.AssertNoError(t, err)

	decoded, err := UnmarshalRequest(data)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, decoded.Version, CurrentVersion)
	testutil.AssertEqual(t, *decoded.ClientTimeNanos, int64(777))
	testutil.AssertEqual(t, decoded.Command, Command(TryConsume{Tokens: 2}))

	data, err = MarshalRequest(NewRequest(GetAvailableTokens{}))
	testutil.AssertNoError(t, err)
	decoded, err = UnmarshalRequest(data)
	testutil.AssertNoError(t, err)
	if decoded.ClientTimeNanos != nil {
		t.Fatal("client time must stay unset")
	}
}

func TestBackwardCompatibleWrite(t *testing.T) {
	st := NewRemoteBucketState(namedConfiguration, 0)

	v1, err := MarshalState(st, V1)
	testutil.AssertNoError(t, err)
	v2, err := MarshalState(st, V2)
	testutil.AssertNoError(t, err)
	if len(v1) >= len(v2) {
		t.Fatalf("v1 payload should omit ids: %d >= %d", len(v1), len(v2))
	}

	decoded, err := UnmarshalState(v1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, decoded.Configuration.Bandwidth(0).ID, "")
	testutil.AssertEqual(t, decoded.State.Equal(st.State), true)

	probe := bucket.ConsumptionProbe{Consumed: true, RemainingTokens: 1, NanosToWaitForReset: 50}
	data, err := MarshalResult(Found(probe), V1)
	testutil.AssertNoError(t, err)
	res, err := UnmarshalResult(data)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.Data, any(bucket.ConsumptionProbe{Consumed: true, RemainingTokens: 1}))
}

func TestCommandRequiresVersion(t *testing.T) {
	for _, cmd := range []Command{Reset{}, ForceAddTokens{Tokens: 1}, Multi{Commands: []Command{Reset{}}}} {
		_, err := MarshalCommand(cmd, V1)
		testutil.AssertErrorIs(t, err, bferrors.ErrUnsupportedVersion)
	}

	err := CheckRequest(Request{Command: Reset{}, Version: V1})
	testutil.AssertErrorIs(t, err, bferrors.ErrUnsupportedVersion)
	testutil.AssertNoError(t, CheckRequest(Request{Command: TryConsume{Tokens: 1}, Version: V1}))
}

func TestOutOfWindowVersion(t *testing.T) {
	_, err := MarshalCommand(TryConsume{Tokens: 1}, CurrentVersion+1)
	testutil.AssertErrorIs(t, err, bferrors.ErrUnsupportedVersion)

	data, err := MarshalCommand(TryConsume{Tokens: 1}, CurrentVersion)
	testutil.AssertNoError(t, err)
	binary.BigEndian.PutUint16(data[2:], CurrentVersion+1)

	_, err = UnmarshalCommand(data)
	var verr *bferrors.VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("expected VersionError, got %v", err)
	}
	testutil.AssertEqual(t, verr.Version, CurrentVersion+1)

	binary.BigEndian.PutUint16(data[2:], 0)
	_, err = UnmarshalCommand(data)
	testutil.AssertErrorIs(t, err, bferrors.ErrUnsupportedVersion)
}

func TestMalformedPayloads(t *testing.T) {
	valid, err := MarshalCommand(Multi{Commands: []Command{TryConsume{Tokens: 1}}}, CurrentVersion)
	testutil.AssertNoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte{}, valid...), 0)},
		{"unknown kind", []byte{0xff, 0xff, 0, 2}},
		{"huge length", []byte{0, byte(KindMulti), 0, 2, 0x7f, 0xff, 0xff, 0xff}},
		{"negative length", []byte{0, byte(KindMulti), 0, 2, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalCommand(tt.data)
			testutil.AssertErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestInvalidConfigurationRejected(t *testing.T) {
	w := &writer{version: CurrentVersion}
	w.header(typeConfiguration)
	w.length(1)
	w.i64(0)
	w.i64(0)
	w.i64(1)
	w.i64(int64(time.Second))
	w.u8(0)
	w.str("")

	_, err := UnmarshalConfiguration(w.buf)
	testutil.AssertErrorIs(t, err, ErrMalformed)
	testutil.AssertErrorIs(t, err, bferrors.ErrInvalidConfiguration)
}

func FuzzUnmarshalCommand(f *testing.F) {
	for _, cmd := range []Command{TryConsume{Tokens: 1}, Multi{Commands: []Command{Reset{}}}, CreateInitialState{Configuration: namedConfiguration}} {
		data, err := MarshalCommand(cmd, CurrentVersion)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		cmd, err := UnmarshalCommand(data)
		if err != nil {
			return
		}
		if _, err := MarshalCommand(cmd, CurrentVersion); err != nil {
			t.Fatalf("decoded command does not re-encode: %v", err)
		}
	})
}
