package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/scriberelay/internal/config"
	"github.com/MrWong99/scriberelay/pkg/provider/stt"
	"github.com/MrWong99/scriberelay/pkg/provider/stt/mock"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	var gotEntry config.ProviderEntry
	r.RegisterSTT("mock", func(e config.ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return &mock.Provider{}, nil
	})
	r.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, errors.New("bad key")
	})

	p, err := r.CreateSTT(config.ProviderEntry{Name: "mock", Model: "nova-2"})
	if err != nil || p == nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if gotEntry.Model != "nova-2" {
		t.Errorf("factory got %+v", gotEntry)
	}

	if _, err := r.CreateSTT(config.ProviderEntry{Name: "absent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT(absent) = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateSTT(config.ProviderEntry{Name: "broken"}); err == nil || errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT(broken) = %v", err)
	}
	if names := r.STTNames(); !slices.Equal(names, []string{"broken", "mock"}) {
		t.Errorf("STTNames = %v", names)
	}
}
