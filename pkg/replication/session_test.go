package replication

import (
	"context"
	"testing"
)

type spyDecoder struct {
	forceRds         bool
	containsMetadata bool
}

func (d *spyDecoder) TryOnceOptions(opts []string) []string {
	return append(opts, "messages 'true'")
}
func (d *spyDecoder) OptionsWithMetadata(opts []string) []string {
	return append(opts, "include-metadata 'true'")
}
func (d *spyDecoder) OptionsWithoutMetadata(opts []string) []string {
	return opts
}
func (d *spyDecoder) SetContainsMetadata(v bool) { d.containsMetadata = v }
func (d *spyDecoder) ForceRds() bool             { return d.forceRds }
func (d *spyDecoder) ProcessMessage(ctx context.Context, data []byte, processor MessageProcessor, registry TypeRegistry) error {
	return nil
}

func TestNegotiationAttemptsNormal(t *testing.T) {
	s := &ReplicationSession{decoder: &spyDecoder{}}
	attempts := s.negotiationAttempts()

	if len(attempts) != 3 {
		t.Fatalf("len(attempts) = %d, want 3", len(attempts))
	}
	if !attempts[0].containsMetadata || !attempts[1].containsMetadata {
		t.Errorf("attempts[0:2] should both request metadata")
	}
	if attempts[2].containsMetadata {
		t.Errorf("attempts[2] should be the metadata-less fallback")
	}
	foundTryOnce := false
	for _, o := range attempts[0].opts {
		if o == "messages 'true'" {
			foundTryOnce = true
		}
	}
	if !foundTryOnce {
		t.Errorf("attempts[0].opts = %v, want try-once option included", attempts[0].opts)
	}
	for _, o := range attempts[1].opts {
		if o == "messages 'true'" {
			t.Errorf("attempts[1].opts = %v, try-once option must not repeat", attempts[1].opts)
		}
	}
}

func TestNegotiationAttemptsForceRds(t *testing.T) {
	s := &ReplicationSession{decoder: &spyDecoder{forceRds: true}}
	attempts := s.negotiationAttempts()

	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
	for i, a := range attempts {
		if a.containsMetadata {
			t.Errorf("attempts[%d].containsMetadata = true, forceRds must never request metadata", i)
		}
	}
}

func TestNegotiationAttemptsIncludesStreamParams(t *testing.T) {
	s := &ReplicationSession{
		decoder:      &spyDecoder{},
		streamParams: map[string]string{"add-tables": "public.orders"},
	}
	attempts := s.negotiationAttempts()

	for i, a := range attempts {
		found := false
		for _, o := range a.opts {
			if o == "add-tables 'public.orders'" {
				found = true
			}
		}
		if !found {
			t.Errorf("attempts[%d].opts = %v, want stream param forwarded", i, a.opts)
		}
	}
}

func TestOptionUnknownPattern(t *testing.T) {
	cases := []struct {
		msg   string
		match bool
	}{
		{`ERROR: option "include-metadata" is unknown`, true},
		{`ERROR: option "messages" is unknown`, true},
		{`ERROR: requested WAL segment 000000010000000000000001 has already been removed`, false},
		{`ERROR: replication slot "x" is active for PID 123`, false},
	}
	for _, tt := range cases {
		if got := optionUnknownPattern.MatchString(tt.msg); got != tt.match {
			t.Errorf("optionUnknownPattern.MatchString(%q) = %v, want %v", tt.msg, got, tt.match)
		}
	}
}

func TestWalGonePattern(t *testing.T) {
	cases := []struct {
		msg   string
		match bool
	}{
		{"requested WAL segment 000000010000000000000001 has already been removed", true},
		{"requested WAL up to 0/1234 is not available", true},
		{`option "include-metadata" is unknown`, false},
	}
	for _, tt := range cases {
		if got := walGonePattern.MatchString(tt.msg); got != tt.match {
			t.Errorf("walGonePattern.MatchString(%q) = %v, want %v", tt.msg, got, tt.match)
		}
	}
}

func TestStartStreamingRejectsClosedSession(t *testing.T) {
	s := &ReplicationSession{decoder: &spyDecoder{}, closed: true}
	_, err := s.StartStreaming(context.Background())
	if err == nil {
		t.Fatal("StartStreaming() on a closed session expected error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := &ReplicationSession{decoder: &spyDecoder{}, control: noopControl{}}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close() unexpected error: %v", err)
	}
}

type noopControl struct{}

func (noopControl) ReadSlotInfo(ctx context.Context, name, plugin string) (SlotInfo, error) {
	return InvalidSlot, nil
}
func (noopControl) DropReplicationSlot(ctx context.Context, name string) {}
func (noopControl) ServerMajorVersion(ctx context.Context) (int, error)  { return 0, nil }
func (noopControl) CurrentSlotState(ctx context.Context, name, plugin string) (SlotState, error) {
	return SlotState{}, nil
}
func (noopControl) Close(ctx context.Context) error { return nil }
