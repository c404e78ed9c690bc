package http

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.ts.Client().Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	resp, err = env.ts.Client().Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "wirecall_relay_connections") {
		t.Fatalf("metrics output missing relay gauge:\n%s", body)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t, nil)

	var reg AuthResponse
	if status := env.do(t, http.MethodPost, "/api/register", "", RegisterRequest{Username: "alice", Password: "password123"}, &reg); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if reg.Token == "" || reg.UserID == 0 {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	var dup ErrorResponse
	if status := env.do(t, http.MethodPost, "/api/register", "", RegisterRequest{Username: "alice", Password: "password123"}, &dup); status != http.StatusConflict || dup.Code != CodeUserExists {
		t.Fatalf("expected 409 user_exists, got %d %+v", status, dup)
	}

	var bad ErrorResponse
	if status := env.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "alice", Password: "nope"}, &bad); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}

	var login AuthResponse
	if status := env.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: "alice", Password: "password123"}, &login); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if login.UserID != reg.UserID {
		t.Fatalf("login returned a different user: %+v", login)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			if status := env.do(t, http.MethodGet, "/api/rooms", tt.token, nil, &errResp); status != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", status)
			}
			if errResp.Code != CodeUnauthenticated {
				t.Fatalf("expected unauthenticated code, got %q", errResp.Code)
			}
		})
	}
}

func TestMeetingRoomAdmission(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.register(t, "owner")
	guests := []string{
		env.register(t, "guest1").Token,
		env.register(t, "guest2").Token,
		env.register(t, "guest3").Token,
	}

	var room CallResponse
	status := env.do(t, http.MethodPost, "/api/calls", owner.Token, CreateCallRequest{
		Kind:     "meeting",
		Name:     "book club",
		Password: "secret",
	}, &room)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if room.Status != "waiting" || room.MaxParticipants != 3 || room.IsPublic {
		t.Fatalf("unexpected room: %+v", room)
	}

	joinPath := "/api/calls/" + room.ID + "/join"

	var errResp ErrorResponse
	if status := env.do(t, http.MethodPost, joinPath, guests[0], JoinCallRequest{Password: "wrong"}, &errResp); status != http.StatusForbidden || errResp.Code != CodeInvalidPassword {
		t.Fatalf("expected 403 invalid_password, got %d %+v", status, errResp)
	}

	for _, token := range guests[:2] {
		var joined CallResponse
		if status := env.do(t, http.MethodPost, joinPath, token, JoinCallRequest{Password: "secret"}, &joined); status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
	}
	var joined CallResponse
	if status := env.do(t, http.MethodPost, joinPath, owner.Token, JoinCallRequest{Password: "secret"}, &joined); status != http.StatusOK {
		t.Fatalf("owner join: expected 200, got %d", status)
	}
	if len(joined.Participants) != 3 || joined.Status != "active" {
		t.Fatalf("expected 3 participants in active room, got %+v", joined)
	}

	errResp = ErrorResponse{}
	if status := env.do(t, http.MethodPost, joinPath, guests[2], JoinCallRequest{Password: "secret"}, &errResp); status != http.StatusConflict || errResp.Code != CodeRoomFull {
		t.Fatalf("expected 409 room_full, got %d %+v", status, errResp)
	}

	var token TokenResponse
	if status := env.do(t, http.MethodGet, "/api/calls/"+room.ID+"/token", guests[0], nil, &token); status != http.StatusOK {
		t.Fatalf("token: expected 200, got %d", status)
	}
	if token.Token != nil || token.Channel != room.ChannelName || token.URL != "ws://sfu.test" {
		t.Fatalf("unexpected token response: %+v", token)
	}

	errResp = ErrorResponse{}
	if status := env.do(t, http.MethodGet, "/api/calls/"+room.ID+"/token", guests[2], nil, &errResp); status != http.StatusForbidden || errResp.Code != CodeNotParticipant {
		t.Fatalf("expected 403 not_participant, got %d %+v", status, errResp)
	}

	var listed []RoomSummaryResponse
	if status := env.do(t, http.MethodGet, "/api/rooms", guests[2], nil, &listed); status != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", status)
	}
	if len(listed) != 1 || listed[0].Participants != 3 {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	errResp = ErrorResponse{}
	if status := env.do(t, http.MethodDelete, "/api/rooms/"+room.ID, guests[0], nil, &errResp); status != http.StatusForbidden || errResp.Code != CodeUnauthorized {
		t.Fatalf("expected 403 unauthorized, got %d %+v", status, errResp)
	}

	var deleted DeleteRoomResponse
	if status := env.do(t, http.MethodDelete, "/api/rooms/"+room.ID, owner.Token, nil, &deleted); status != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", status)
	}
	if len(deleted.Evicted) != 3 {
		t.Fatalf("expected 3 evicted users, got %v", deleted.Evicted)
	}

	errResp = ErrorResponse{}
	if status := env.do(t, http.MethodPost, joinPath, guests[2], JoinCallRequest{Password: "secret"}, &errResp); status != http.StatusGone || errResp.Code != CodeCallEnded {
		t.Fatalf("expected 410 call_ended, got %d %+v", status, errResp)
	}
}

func TestPrivateCallLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	eve := env.register(t, "eve")

	var call CallResponse
	status := env.do(t, http.MethodPost, "/api/calls", alice.Token, CreateCallRequest{
		Kind:     "private",
		CallType: "audio",
		Invitees: []int64{bob.UserID},
	}, &call)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if call.Status != "pending" || call.MaxParticipants != 2 || call.CallType != "audio" {
		t.Fatalf("unexpected call: %+v", call)
	}

	var errResp ErrorResponse
	if status := env.do(t, http.MethodPost, "/api/calls/"+call.ID+"/join", eve.Token, nil, &errResp); status != http.StatusForbidden || errResp.Code != CodeUnauthorized {
		t.Fatalf("expected 403 unauthorized, got %d %+v", status, errResp)
	}

	for _, token := range []string{alice.Token, bob.Token} {
		if status := env.do(t, http.MethodPost, "/api/calls/"+call.ID+"/join", token, nil, &CallResponse{}); status != http.StatusOK {
			t.Fatalf("join: expected 200, got %d", status)
		}
	}

	if status := env.do(t, http.MethodPost, "/api/calls/"+call.ID+"/leave", alice.Token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("leave: expected 204, got %d", status)
	}
	if status := env.do(t, http.MethodPost, "/api/calls/"+call.ID+"/leave", bob.Token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("leave: expected 204, got %d", status)
	}

	var got CallResponse
	if status := env.do(t, http.MethodGet, "/api/calls/"+call.ID, alice.Token, nil, &got); status != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", status)
	}
	if got.Status != "ended" || got.EndedAt == nil || len(got.Participants) != 0 {
		t.Fatalf("expected ended call with no participants, got %+v", got)
	}
}

func TestCreateCallValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")

	tests := []struct {
		name string
		req  CreateCallRequest
	}{
		{"unknown kind", CreateCallRequest{Kind: "party"}},
		{"private without invitee", CreateCallRequest{Kind: "private"}},
		{"closed meeting without password", CreateCallRequest{Kind: "meeting", Name: "x"}},
		{"meeting too large", CreateCallRequest{Kind: "meeting", Name: "x", IsPublic: true, MaxParticipants: 50}},
		{"bad call type", CreateCallRequest{Kind: "private", CallType: "hologram", Invitees: []int64{2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			if status := env.do(t, http.MethodPost, "/api/calls", alice.Token, tt.req, &errResp); status != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %+v", status, errResp)
			}
		})
	}
}

func TestGetUser(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	var u UserResponse
	if status := env.do(t, http.MethodGet, "/api/users/bob", alice.Token, nil, &u); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if u.ID != bob.UserID || u.Username != "bob" {
		t.Fatalf("unexpected user: %+v", u)
	}

	var errResp ErrorResponse
	if status := env.do(t, http.MethodGet, "/api/users/nobody", alice.Token, nil, &errResp); status != http.StatusNotFound || errResp.Code != CodeNotFound {
		t.Fatalf("expected 404 not_found, got %d %+v", status, errResp)
	}
}
