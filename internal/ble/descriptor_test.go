package ble

import (
	"bytes"
	"testing"
)

func TestNewLinkServiceIsValid(t *testing.T) {
	svc := NewLinkService()
	if err := svc.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cmd := svc.Characteristic(CommandUUID)
	if !cmd.Properties.Has(PropertyWrite) || !cmd.Properties.Has(PropertyWriteNoResponse) {
		t.Errorf("command properties = %b, want write and write-without-response", cmd.Properties)
	}
	if cmd.Permissions != PermissionWrite {
		t.Errorf("command permissions = %b, want write", cmd.Permissions)
	}

	notify := svc.Characteristic(NotifyUUID)
	if notify.Properties != PropertyNotify {
		t.Errorf("notify properties = %b, want notify only", notify.Properties)
	}
}

func TestServiceValidateRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name  string
		chars []*Characteristic
	}{
		{"no characteristics", nil},
		{"two writers", []*Characteristic{
			{UUID: CommandUUID, Properties: PropertyWrite},
			{UUID: NotifyUUID, Properties: PropertyWriteNoResponse | PropertyNotify},
		}},
		{"no notifier", []*Characteristic{
			{UUID: CommandUUID, Properties: PropertyWrite},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &Service{UUID: ServiceUUID, Characteristics: tt.chars}
			if err := svc.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestCharacteristicValueIsCopied(t *testing.T) {
	c := &Characteristic{UUID: NotifyUUID}
	in := []byte{1, 2, 3}
	c.SetValue(in)
	in[0] = 9

	out := c.Value()
	if !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Fatalf("Value() = %v, want [1 2 3]", out)
	}
	out[1] = 9
	if !bytes.Equal(c.Value(), []byte{1, 2, 3}) {
		t.Error("mutating the returned slice changed the stored value")
	}
	if c.Version() != 1 {
		t.Errorf("Version() = %d, want 1", c.Version())
	}
}

func TestParseUUIDForms(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"a3c94f10-7b47-4c8e-b88f-0e4b2f7c2a91", false},
		{"A3C94F10-7B47-4C8E-B88F-0E4B2F7C2A91", false},
		{"{a3c94f10-7b47-4c8e-b88f-0e4b2f7c2a91}", false},
		{"urn:uuid:a3c94f10-7b47-4c8e-b88f-0e4b2f7c2a91", false},
		{"a3c94f10", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseUUID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUUID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != ServiceUUID {
				t.Errorf("ParseUUID(%q) = %s, want %s", tt.input, got, ServiceUUID)
			}
		})
	}
}

func TestUUIDsShareBase(t *testing.T) {
	// The three identifiers differ only in the first group.
	for _, id := range []string{CommandUUID.String(), NotifyUUID.String()} {
		if id[8:] != ServiceUUID.String()[8:] {
			t.Errorf("%s does not share the service UUID base", id)
		}
	}
}

func TestConnStateCodes(t *testing.T) {
	tests := []struct {
		state ConnState
		code  int
		name  string
	}{
		{StateDisconnected, 0, "disconnected"},
		{StateConnecting, 1, "connecting"},
		{StateConnected, 2, "connected"},
		{StateDisconnecting, 3, "disconnecting"},
	}
	for _, tt := range tests {
		if int(tt.state) != tt.code {
			t.Errorf("%s = %d, want %d", tt.name, int(tt.state), tt.code)
		}
		if tt.state.String() != tt.name {
			t.Errorf("String() = %q, want %q", tt.state.String(), tt.name)
		}
	}
}
