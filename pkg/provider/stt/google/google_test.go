package google

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/aurelay/aurelay/pkg/audio"
	"github.com/aurelay/aurelay/pkg/provider"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/types"
)

// newTestProvider builds a Provider without dialing the API, for tests
// that only exercise config translation.
func newTestProvider(opts ...Option) *Provider {
	p := &Provider{model: defaultModel, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ---- config translation tests ----

func TestBuildConfig_Defaults(t *testing.T) {
	p := newTestProvider()

	conf, err := p.buildConfig(stt.StreamConfig{
		Format:         audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.PCM16},
		InterimResults: true,
	})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}

	rc := conf.Config
	if rc.Encoding != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("expected LINEAR16, got %v", rc.Encoding)
	}
	if rc.SampleRateHertz != 16000 {
		t.Errorf("expected 16000 Hz, got %d", rc.SampleRateHertz)
	}
	if rc.AudioChannelCount != 1 {
		t.Errorf("expected 1 channel, got %d", rc.AudioChannelCount)
	}
	assertEqual(t, "language", "en-US", rc.LanguageCode)
	assertEqual(t, "model", "latest_long", rc.Model)
	if !rc.EnableWordTimeOffsets {
		t.Error("word time offsets should be enabled")
	}
	if !rc.EnableAutomaticPunctuation {
		t.Error("automatic punctuation should be enabled")
	}
	if !conf.InterimResults {
		t.Error("interim results should be enabled")
	}
}

func TestBuildConfig_ZeroFormatDefaults(t *testing.T) {
	p := newTestProvider()

	conf, err := p.buildConfig(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}

	// Zero Format falls back to 16kHz mono linear PCM.
	if conf.Config.Encoding != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("expected LINEAR16, got %v", conf.Config.Encoding)
	}
	if conf.Config.SampleRateHertz != 16000 {
		t.Errorf("expected 16000 Hz, got %d", conf.Config.SampleRateHertz)
	}
	if conf.Config.AudioChannelCount != 1 {
		t.Errorf("expected 1 channel, got %d", conf.Config.AudioChannelCount)
	}
}

func TestBuildConfig_LanguageOverridenByCfg(t *testing.T) {
	p := newTestProvider(WithLanguage("en-US"))

	conf, err := p.buildConfig(stt.StreamConfig{Language: "de-DE"})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	assertEqual(t, "language", "de-DE", conf.Config.LanguageCode)
}

func TestBuildConfig_MuLaw(t *testing.T) {
	p := newTestProvider()

	conf, err := p.buildConfig(stt.StreamConfig{
		Format: audio.Format{SampleRate: 8000, Channels: 1, Encoding: audio.MuLaw},
	})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if conf.Config.Encoding != speechpb.RecognitionConfig_MULAW {
		t.Errorf("expected MULAW, got %v", conf.Config.Encoding)
	}
	if conf.Config.SampleRateHertz != 8000 {
		t.Errorf("expected 8000 Hz, got %d", conf.Config.SampleRateHertz)
	}
}

func TestBuildConfig_OpusRejected(t *testing.T) {
	p := newTestProvider()

	_, err := p.buildConfig(stt.StreamConfig{
		Format: audio.Format{SampleRate: 48000, Channels: 2, Encoding: audio.Opus},
	})
	if err == nil {
		t.Fatal("expected error for raw opus input")
	}
	if provider.Classify(err) != provider.KindConfig {
		t.Errorf("expected KindConfig, got %v", provider.Classify(err))
	}
}

func TestBuildConfig_Keywords(t *testing.T) {
	p := newTestProvider()

	conf, err := p.buildConfig(stt.StreamConfig{
		Keywords: []types.KeywordBoost{
			{Keyword: "Kubernetes", Boost: 5},
			{Keyword: "Grafana", Boost: 3.5},
		},
	})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}

	ctxs := conf.Config.SpeechContexts
	if len(ctxs) != 2 {
		t.Fatalf("expected 2 speech contexts, got %d", len(ctxs))
	}
	assertEqual(t, "first phrase", "Kubernetes", ctxs[0].Phrases[0])
	if ctxs[0].Boost != 5 {
		t.Errorf("expected boost 5, got %g", ctxs[0].Boost)
	}
	assertEqual(t, "second phrase", "Grafana", ctxs[1].Phrases[0])
	if ctxs[1].Boost != 3.5 {
		t.Errorf("expected boost 3.5, got %g", ctxs[1].Boost)
	}
}

// ---- result mapping tests ----

func TestMapResult_Final(t *testing.T) {
	res := &speechpb.StreamingRecognitionResult{
		IsFinal:       true,
		ResultEndTime: durationpb.New(2 * time.Second),
		Alternatives: []*speechpb.SpeechRecognitionAlternative{
			{
				Transcript: "hello world",
				Confidence: 0.94,
				Words: []*speechpb.WordInfo{
					{Word: "hello", StartTime: durationpb.New(200 * time.Millisecond), EndTime: durationpb.New(700 * time.Millisecond)},
					{Word: "world", StartTime: durationpb.New(800 * time.Millisecond), EndTime: durationpb.New(1300 * time.Millisecond)},
				},
			},
		},
	}

	tr, ok := mapResult(res, "en-US")
	if !ok {
		t.Fatal("expected a transcript")
	}
	assertEqual(t, "text", "hello world", tr.Text)
	if !tr.IsFinal {
		t.Error("expected a final transcript")
	}
	if tr.Confidence < 0.93 || tr.Confidence > 0.95 {
		t.Errorf("expected confidence ~0.94, got %f", tr.Confidence)
	}
	assertEqual(t, "language", "en-US", tr.Language)
	assertEqual(t, "provider", "google", tr.ProviderID)
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	if tr.Words[1].End != 1300*time.Millisecond {
		t.Errorf("expected word end 1.3s, got %v", tr.Words[1].End)
	}
	if tr.Start != 200*time.Millisecond {
		t.Errorf("expected start 200ms from first word, got %v", tr.Start)
	}
	if tr.End != 2*time.Second {
		t.Errorf("expected end 2s, got %v", tr.End)
	}
}

func TestMapResult_Interim(t *testing.T) {
	res := &speechpb.StreamingRecognitionResult{
		Alternatives: []*speechpb.SpeechRecognitionAlternative{
			{Transcript: "hel"},
		},
	}

	tr, ok := mapResult(res, "en-US")
	if !ok {
		t.Fatal("expected a transcript")
	}
	if tr.IsFinal {
		t.Error("interim result must not be final")
	}
	assertEqual(t, "text", "hel", tr.Text)
}

func TestMapResult_ResultLanguageWins(t *testing.T) {
	res := &speechpb.StreamingRecognitionResult{
		LanguageCode: "fr-FR",
		Alternatives: []*speechpb.SpeechRecognitionAlternative{
			{Transcript: "bonjour"},
		},
	}

	tr, ok := mapResult(res, "en-US")
	if !ok {
		t.Fatal("expected a transcript")
	}
	assertEqual(t, "language", "fr-FR", tr.Language)
}

func TestMapResult_EmptyAlternatives(t *testing.T) {
	if _, ok := mapResult(&speechpb.StreamingRecognitionResult{}, "en-US"); ok {
		t.Error("expected no transcript for empty alternatives")
	}
	if _, ok := mapResult(nil, "en-US"); ok {
		t.Error("expected no transcript for nil result")
	}
}

func TestMapResult_EmptyTranscriptSkipped(t *testing.T) {
	res := &speechpb.StreamingRecognitionResult{
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: ""}},
	}
	if _, ok := mapResult(res, "en-US"); ok {
		t.Error("expected empty transcript to be skipped")
	}
}

// ---- error classification tests ----

func TestClassifyRPC_Codes(t *testing.T) {
	cases := []struct {
		name      string
		code      codes.Code
		kind      provider.Kind
		retryable bool
	}{
		{"unauthenticated", codes.Unauthenticated, provider.KindAuth, false},
		{"permission_denied", codes.PermissionDenied, provider.KindAuth, false},
		{"resource_exhausted", codes.ResourceExhausted, provider.KindRateLimit, true},
		{"invalid_argument", codes.InvalidArgument, provider.KindConfig, false},
		{"deadline_exceeded", codes.DeadlineExceeded, provider.KindTimeout, true},
		{"unavailable", codes.Unavailable, provider.KindTransport, true},
		{"aborted", codes.Aborted, provider.KindTransport, true},
		{"internal", codes.Internal, provider.KindProvider, true},
		{"unknown", codes.Unknown, provider.KindProvider, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyRPC("read", status.Error(tc.code, tc.name))
			if provider.Classify(err) != tc.kind {
				t.Errorf("expected %v, got %v", tc.kind, provider.Classify(err))
			}
			if provider.IsRetryable(err) != tc.retryable {
				t.Errorf("expected retryable=%v", tc.retryable)
			}
		})
	}
}

func TestClassifyRPC_NonGRPCError(t *testing.T) {
	err := classifyRPC("send_audio", errors.New("connection reset"))
	if provider.Classify(err) != provider.KindTransport {
		t.Errorf("expected KindTransport, got %v", provider.Classify(err))
	}
}

func TestClassifyRPC_Nil(t *testing.T) {
	if err := classifyRPC("read", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

// ---- session surface tests ----

func TestForceEndpoint_NotSupported(t *testing.T) {
	s := &session{}
	err := s.ForceEndpoint()
	if !errors.Is(err, provider.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
	if provider.Classify(err) != provider.KindCapability {
		t.Errorf("expected KindCapability, got %v", provider.Classify(err))
	}
}

func TestSetKeywords_NotSupported(t *testing.T) {
	s := &session{}
	err := s.SetKeywords([]types.KeywordBoost{{Keyword: "test", Boost: 2}})
	if !errors.Is(err, provider.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}

func TestSendText_NotSupported(t *testing.T) {
	s := &session{}
	if err := s.SendText("hint"); !errors.Is(err, provider.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}

func TestUpdateConfig_NotSupported(t *testing.T) {
	s := &session{}
	lang := "de-DE"
	if err := s.UpdateConfig(stt.ConfigDelta{Language: &lang}); !errors.Is(err, provider.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	p := newTestProvider()
	caps := p.Capabilities()

	for _, c := range []provider.Capability{
		provider.CapStreamingAudioIn,
		provider.CapPartialTranscripts,
		provider.CapImmutableTranscripts,
		provider.CapWordTimestamps,
		provider.CapServerVAD,
	} {
		if !caps.Has(c) {
			t.Errorf("expected capability %v to be declared", c)
		}
	}
	if caps.Has(provider.CapSSML) {
		t.Error("google stt must not declare CapSSML")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
