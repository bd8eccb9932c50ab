package convert

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/and161185/waconnect/internal/model"
)

func TestToStatusResponse(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	got := ToStatusResponse(model.SessionStatus{
		Connected:     true,
		ConnectedAt:   &at,
		HasAuth:       true,
		SessionStatus: model.StatusConnected,
		LastError:     "x",
	})
	if !got.Connected || !got.HasAuth || got.SessionStatus != "connected" || got.LastError != "x" {
		t.Fatalf("mismatch: %+v", got)
	}
	if got.ConnectedAt == nil || got.ConnectedAt.Location() != time.UTC || !got.ConnectedAt.Equal(at) {
		t.Fatalf("connectedAt must be UTC: %v", got.ConnectedAt)
	}

	zero := time.Time{}
	if ToStatusResponse(model.SessionStatus{ConnectedAt: &zero}).ConnectedAt != nil {
		t.Fatalf("zero time must be absent")
	}
}

func TestToQRResponse_Absent(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(ToQRResponse(""))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"qr":null}` {
		t.Fatalf("absent qr: %s", b)
	}
	if r := ToQRResponse("2@abc"); r.QR == nil || *r.QR != "2@abc" {
		t.Fatalf("qr mismatch: %+v", r)
	}
}

func TestToSyncContactsResponse(t *testing.T) {
	t.Parallel()

	got := ToSyncContactsResponse(&model.ContactSync{
		Count:    1,
		Contacts: []model.InviteContact{{ID: "1@s.whatsapp.net", DisplayName: "A", Phone: "1"}},
		Source:   model.SourceChats,
	})
	if got.Count != 1 || got.Source != "chats" || len(got.Contacts) != 1 || got.Contacts[0].DisplayName != "A" {
		t.Fatalf("mismatch: %+v", got)
	}

	empty := ToSyncContactsResponse(&model.ContactSync{Source: model.SourceContacts})
	b, _ := json.Marshal(empty)
	if string(b) != `{"count":0,"contacts":[],"source":"contacts"}` {
		t.Fatalf("empty list must encode as []: %s", b)
	}
}

func TestToSendInvitesResponse(t *testing.T) {
	t.Parallel()

	got := ToSendInvitesResponse(&model.InviteBatch{
		Sent: 1,
		Results: []model.InviteResult{
			{Phone: "1", OK: true},
			{Phone: "2", Error: "boom"},
		},
	})
	if got.Sent != 1 || len(got.Results) != 2 || got.Results[1].Error != "boom" || !got.Results[0].OK {
		t.Fatalf("mismatch: %+v", got)
	}
	if r := ToSendInvitesResponse(nil); r.Results == nil {
		t.Fatalf("nil batch must give empty results")
	}
}
