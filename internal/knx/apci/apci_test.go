package apci

import "testing"

func roundTrip(t *testing.T, svc Service) Service {
	t.Helper()
	apdu := svc.ToKNX()
	got, err := Decode(apdu)
	if err != nil {
		t.Fatalf("Decode(%x): %v", apdu, err)
	}
	return got
}

func TestGroupValueReadRoundTrip(t *testing.T) {
	got := roundTrip(t, GroupValueRead{})
	if _, ok := got.(GroupValueRead); !ok {
		t.Errorf("got %#v, want GroupValueRead", got)
	}
}

func TestGroupValueWriteSmallPayload(t *testing.T) {
	want := GroupValueWrite{Payload: SmallPayload(1)}
	apdu := want.ToKNX()
	if len(apdu) != 2 {
		t.Fatalf("expected 2-byte APDU for small payload, got %d", len(apdu))
	}
	got := roundTrip(t, want)
	gw, ok := got.(GroupValueWrite)
	if !ok || !gw.Payload.Small || gw.Payload.Bits != 1 {
		t.Errorf("got %#v", got)
	}
}

func TestGroupValueWriteDataPayload(t *testing.T) {
	want := GroupValueWrite{Payload: DataPayload([]byte{0x0D, 0x17, 0x2A})}
	apdu := want.ToKNX()
	if len(apdu) != 5 {
		t.Fatalf("expected 5-byte APDU (2 header + 3 payload), got %d", len(apdu))
	}
	if Len(want) != 4 {
		t.Errorf("Len() = %d, want 4 (NPDU_len = 1 + len(payload))", Len(want))
	}
	got := roundTrip(t, want)
	gw, ok := got.(GroupValueWrite)
	if !ok || gw.Payload.Small || string(gw.Payload.Data) != "\x0d\x17\x2a" {
		t.Errorf("got %#v", got)
	}
}

func TestGroupValueResponseRoundTrip(t *testing.T) {
	want := GroupValueResponse{Payload: SmallPayload(42)}
	got := roundTrip(t, want)
	gr, ok := got.(GroupValueResponse)
	if !ok || gr.Payload.Bits != 42 {
		t.Errorf("got %#v", got)
	}
}

func TestIndividualAddressServices(t *testing.T) {
	if _, ok := roundTrip(t, IndividualAddressRead{}).(IndividualAddressRead); !ok {
		t.Error("IndividualAddressRead round-trip failed")
	}
	if _, ok := roundTrip(t, IndividualAddressResponse{}).(IndividualAddressResponse); !ok {
		t.Error("IndividualAddressResponse round-trip failed")
	}
	want := IndividualAddressWrite{Address: 0x1101}
	got, ok := roundTrip(t, want).(IndividualAddressWrite)
	if !ok || got.Address != want.Address {
		t.Errorf("got %#v", got)
	}
}

func TestMemoryServices(t *testing.T) {
	read := MemoryRead{Count: 4, Address: 0x1000}
	got, ok := roundTrip(t, read).(MemoryRead)
	if !ok || got != read {
		t.Errorf("MemoryRead round-trip: got %#v, want %#v", got, read)
	}

	resp := MemoryResponse{Count: 2, Address: 0x1000, Data: []byte{0x01, 0x02}}
	gotResp, ok := roundTrip(t, resp).(MemoryResponse)
	if !ok || gotResp.Count != resp.Count || gotResp.Address != resp.Address || string(gotResp.Data) != string(resp.Data) {
		t.Errorf("MemoryResponse round-trip: got %#v", gotResp)
	}

	write := MemoryWrite{Count: 1, Address: 0x2000, Data: []byte{0xFF}}
	gotWrite, ok := roundTrip(t, write).(MemoryWrite)
	if !ok || gotWrite.Count != write.Count || gotWrite.Address != write.Address || string(gotWrite.Data) != string(write.Data) {
		t.Errorf("MemoryWrite round-trip: got %#v", gotWrite)
	}
}

func TestDeviceDescriptorServices(t *testing.T) {
	read := DeviceDescriptorRead{Descriptor: 0}
	got, ok := roundTrip(t, read).(DeviceDescriptorRead)
	if !ok || got != read {
		t.Errorf("got %#v, want %#v", got, read)
	}

	resp := DeviceDescriptorResponse{Descriptor: 0, Value: 0x0701}
	gotResp, ok := roundTrip(t, resp).(DeviceDescriptorResponse)
	if !ok || gotResp != resp {
		t.Errorf("got %#v, want %#v", gotResp, resp)
	}
}

func TestRestartRoundTrip(t *testing.T) {
	if _, ok := roundTrip(t, Restart{}).(Restart); !ok {
		t.Error("Restart round-trip failed")
	}
}

func TestPropertyValueServices(t *testing.T) {
	read := PropertyValueRead{ObjectIndex: 0, PropertyID: 0x0C, Count: 1, StartIndex: 1}
	got, ok := roundTrip(t, read).(PropertyValueRead)
	if !ok || got != read {
		t.Errorf("PropertyValueRead round-trip: got %#v, want %#v", got, read)
	}

	resp := PropertyValueResponse{ObjectIndex: 0, PropertyID: 0x0C, Count: 1, StartIndex: 1, Data: []byte{0x11, 0x22}}
	gotResp, ok := roundTrip(t, resp).(PropertyValueResponse)
	if !ok || gotResp.ObjectIndex != resp.ObjectIndex || gotResp.PropertyID != resp.PropertyID ||
		gotResp.Count != resp.Count || gotResp.StartIndex != resp.StartIndex || string(gotResp.Data) != string(resp.Data) {
		t.Errorf("PropertyValueResponse round-trip: got %#v", gotResp)
	}

	write := PropertyValueWrite{ObjectIndex: 1, PropertyID: 0x34, Count: 2, StartIndex: 4095, Data: []byte{0x00, 0xFF}}
	gotWrite, ok := roundTrip(t, write).(PropertyValueWrite)
	if !ok || gotWrite.StartIndex != write.StartIndex || gotWrite.Count != write.Count {
		t.Errorf("PropertyValueWrite round-trip: got %#v", gotWrite)
	}
}

func TestSecureAPDURoundTrip(t *testing.T) {
	want := SecureAPDU{SCF: 0x10, SecuredData: []byte{0x01, 0x02, 0x03, 0x04, 0x05}}
	got, ok := roundTrip(t, want).(SecureAPDU)
	if !ok || got.SCF != want.SCF || string(got.SecuredData) != string(want.SecuredData) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestDecodeUnsupported(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0xFF}); err == nil {
		t.Error("expected error for unsupported APCI code")
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode([]byte{0x00}); err == nil {
		t.Error("expected error for too-short APDU")
	}
}
