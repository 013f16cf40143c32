package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/aurelay/aurelay/pkg/provider"
)

func reg(kind Kind, id string) Registration {
	return Registration{
		Kind: kind,
		ID:   id,
		New:  func(map[string]any) (any, error) { return id, nil },
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register(reg(KindSTT, "deepgram")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := r.Lookup(KindSTT, "deepgram")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ID != "deepgram" {
		t.Fatalf("ID = %q, want deepgram", got.ID)
	}

	inst, err := got.New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if inst != "deepgram" {
		t.Fatalf("constructor result = %v, want deepgram", inst)
	}
}

func TestRegister_Validation(t *testing.T) {
	r := New()
	if err := r.Register(Registration{ID: "x", New: func(map[string]any) (any, error) { return nil, nil }}); err == nil {
		t.Error("missing kind should be rejected")
	}
	if err := r.Register(Registration{Kind: KindTTS, New: func(map[string]any) (any, error) { return nil, nil }}); err == nil {
		t.Error("missing id should be rejected")
	}
	if err := r.Register(Registration{Kind: KindTTS, ID: "x"}); err == nil {
		t.Error("nil constructor should be rejected")
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := New()
	if err := r.Register(reg(KindTTS, "elevenlabs")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(reg(KindTTS, "elevenlabs"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestSameIDAcrossKinds(t *testing.T) {
	r := New()
	if err := r.Register(reg(KindSTT, "mock")); err != nil {
		t.Fatalf("stt mock: %v", err)
	}
	if err := r.Register(reg(KindTTS, "mock")); err != nil {
		t.Fatalf("tts mock should not collide with stt mock: %v", err)
	}
}

func TestLookup_NotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup(KindVAD, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	r.Freeze()
	_, err = r.Lookup(KindVAD, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("frozen err = %v, want ErrNotFound", err)
	}
}

func TestFreeze_RejectsLateRegistration(t *testing.T) {
	r := New()
	if err := r.Register(reg(KindRealtime, "openai")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if r.Frozen() {
		t.Fatal("registry should not be frozen yet")
	}
	r.Freeze()
	if !r.Frozen() {
		t.Fatal("registry should be frozen")
	}

	err := r.Register(reg(KindRealtime, "gemini"))
	if !errors.Is(err, ErrFrozen) {
		t.Fatalf("err = %v, want ErrFrozen", err)
	}

	// The earlier registration survives.
	if _, err := r.Lookup(KindRealtime, "openai"); err != nil {
		t.Fatalf("Lookup after freeze: %v", err)
	}
}

func TestFreeze_Idempotent(t *testing.T) {
	r := New()
	r.Freeze()
	r.Freeze()
	if !r.Frozen() {
		t.Fatal("registry should stay frozen")
	}
}

func TestList_FilteredAndSorted(t *testing.T) {
	r := New()
	for _, id := range []string{"whisper", "deepgram", "google"} {
		if err := r.Register(reg(KindSTT, id)); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	if err := r.Register(reg(KindTTS, "coqui")); err != nil {
		t.Fatalf("Register coqui: %v", err)
	}
	r.Freeze()

	got := r.List(KindSTT)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"deepgram", "google", "whisper"}
	for i, w := range want {
		if got[i].ID != w {
			t.Errorf("List[%d] = %q, want %q", i, got[i].ID, w)
		}
	}

	if n := len(r.List(KindResponder)); n != 0 {
		t.Errorf("List(responder) = %d entries, want 0", n)
	}
}

func TestCapabilitiesCarriedThrough(t *testing.T) {
	r := New()
	in := reg(KindTTS, "openai")
	in.Capabilities = provider.NewCapabilitySet(provider.CapStreamingAudioOut, provider.CapBargeIn)
	if err := r.Register(in); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Freeze()

	got, err := r.Lookup(KindTTS, "openai")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !got.Capabilities.Has(provider.CapBargeIn) {
		t.Error("capabilities lost in the snapshot")
	}
}

func TestConcurrentLookupsAfterFreeze(t *testing.T) {
	r := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := r.Register(reg(KindVAD, id)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	r.Freeze()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if _, err := r.Lookup(KindVAD, "c"); err != nil {
					t.Errorf("Lookup: %v", err)
					return
				}
				_ = r.List(KindVAD)
			}
		}()
	}
	wg.Wait()
}

func TestMustRegister_PanicsOnDuplicate(t *testing.T) {
	r := New()
	r.MustRegister(reg(KindSTT, "dup"))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate MustRegister")
		}
	}()
	r.MustRegister(reg(KindSTT, "dup"))
}
