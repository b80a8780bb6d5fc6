package session

import (
	"errors"
	"testing"
)

func hostParams() Params {
	return Params{
		RelayAddress:      "1.2.3.4",
		RelayPort:         7777,
		AllocationID:      "alloc-1",
		AllocationIDBytes: []byte("alloc-1"),
		ConnectionData:    []byte{0x01, 0x02},
		Key:               []byte{0xaa, 0xbb},
	}
}

func TestNewHostCredentials(t *testing.T) {
	creds, err := NewHostCredentials(hostParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Role() != RoleHost {
		t.Fatalf("expected host role, got %s", creds.Role())
	}
	if creds.HostConnectionData() != nil {
		t.Fatal("expected no host connection data on host credentials")
	}
	if got := creds.Endpoint(); got != "1.2.3.4:7777" {
		t.Fatalf("expected endpoint 1.2.3.4:7777, got %q", got)
	}
}

func TestCredentialsAreImmutable(t *testing.T) {
	p := hostParams()
	creds, err := NewHostCredentials(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Key[0] = 0x00
	if creds.Key()[0] != 0xaa {
		t.Fatal("credentials shared the caller's key buffer")
	}

	key := creds.Key()
	key[0] = 0x00
	if creds.Key()[0] != 0xaa {
		t.Fatal("accessor exposed the internal key buffer")
	}
}

func TestCredentialsValidation(t *testing.T) {
	joiner := hostParams()
	joiner.HostConnectionData = []byte("host")

	tests := []struct {
		name   string
		build  func(Params) (Credentials, error)
		params func() Params
	}{
		{"host with host connection data", NewHostCredentials, func() Params { return joiner }},
		{"joiner without host connection data", NewJoinerCredentials, hostParams},
		{"missing key", NewHostCredentials, func() Params { p := hostParams(); p.Key = nil; return p }},
		{"missing connection data", NewHostCredentials, func() Params { p := hostParams(); p.ConnectionData = []byte{}; return p }},
		{"missing allocation id bytes", NewHostCredentials, func() Params { p := hostParams(); p.AllocationIDBytes = nil; return p }},
		{"missing port", NewHostCredentials, func() Params { p := hostParams(); p.RelayPort = 0; return p }},
		{"missing allocation id", NewHostCredentials, func() Params { p := hostParams(); p.AllocationID = ""; return p }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build(tt.params())
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestJoinerCredentials(t *testing.T) {
	p := hostParams()
	p.HostConnectionData = []byte("host-alloc")
	creds, err := NewJoinerCredentials(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Role() != RoleJoiner {
		t.Fatalf("expected joiner role, got %s", creds.Role())
	}
	if string(creds.HostConnectionData()) != "host-alloc" {
		t.Fatalf("unexpected host connection data %q", creds.HostConnectionData())
	}

	tagged := creds.WithJoinToken("ABC123")
	if tagged.JoinToken() != "ABC123" || creds.JoinToken() != "" {
		t.Fatal("WithJoinToken must return a modified copy")
	}
}
