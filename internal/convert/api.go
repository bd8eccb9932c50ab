// Package convert maps domain values to wire messages.
package convert

import (
	"time"

	"github.com/and161185/waconnect/internal/api"
	"github.com/and161185/waconnect/internal/model"
)

// --- helpers ---

func utc(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

// --- status / qr ---

// ToStatusResponse renders the combined session status.
func ToStatusResponse(st model.SessionStatus) *api.StatusResponse {
	return &api.StatusResponse{
		Connected:     st.Connected,
		ConnectedAt:   utc(st.ConnectedAt),
		HasAuth:       st.HasAuth,
		SessionStatus: string(st.SessionStatus),
		HasQR:         st.HasQR,
		LastError:     st.LastError,
	}
}

// ToQRResponse maps an empty code to an absent one.
func ToQRResponse(qr string) *api.QRResponse {
	if qr == "" {
		return &api.QRResponse{}
	}
	return &api.QRResponse{QR: &qr}
}

// --- contacts ---

// ToContacts converts invite contacts, never returning nil.
func ToContacts(in []model.InviteContact) []api.Contact {
	out := make([]api.Contact, 0, len(in))
	for _, c := range in {
		out = append(out, api.Contact{ID: c.ID, DisplayName: c.DisplayName, Phone: c.Phone})
	}
	return out
}

// ToSyncContactsResponse renders a contact sync.
func ToSyncContactsResponse(cs *model.ContactSync) *api.SyncContactsResponse {
	if cs == nil {
		return &api.SyncContactsResponse{Contacts: []api.Contact{}}
	}
	return &api.SyncContactsResponse{Count: cs.Count, Contacts: ToContacts(cs.Contacts), Source: string(cs.Source)}
}

// --- invites ---

// ToInviteResults converts per-recipient outcomes.
func ToInviteResults(in []model.InviteResult) []api.InviteResult {
	out := make([]api.InviteResult, 0, len(in))
	for _, r := range in {
		out = append(out, api.InviteResult{Phone: r.Phone, OK: r.OK, Error: r.Error})
	}
	return out
}

// ToSendInvitesResponse renders a batch send.
func ToSendInvitesResponse(b *model.InviteBatch) *api.SendInvitesResponse {
	if b == nil {
		return &api.SendInvitesResponse{Results: []api.InviteResult{}}
	}
	return &api.SendInvitesResponse{Sent: b.Sent, Results: ToInviteResults(b.Results)}
}
