package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellcall-backend/internal/domain"
	"wellcall-backend/internal/middleware"
	"wellcall-backend/pkg/push"
)

type fakeTokenRepo struct {
	mu     sync.Mutex
	tokens map[uuid.UUID][]*push.Token
	err    error
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: make(map[uuid.UUID][]*push.Token)}
}

func (r *fakeTokenRepo) Store(ctx context.Context, token *push.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tokens[token.UserID] = append(r.tokens[token.UserID], token)
	return nil
}

func (r *fakeTokenRepo) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*push.Token(nil), r.tokens[userID]...), nil
}

func (r *fakeTokenRepo) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	kept := r.tokens[userID][:0]
	for _, t := range r.tokens[userID] {
		if t.Token != token {
			kept = append(kept, t)
		}
	}
	r.tokens[userID] = kept
	return nil
}

func (r *fakeTokenRepo) MarkInactive(ctx context.Context, userID uuid.UUID, token string) error {
	return nil
}

func newRouter(repo *fakeTokenRepo, as *domain.Participant) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if as != nil {
			middleware.SetParticipant(c, *as)
		}
		c.Next()
	})
	NewHandler(push.NewService(&push.MockProvider{}, repo)).RegisterRoutes(v1)
	return r
}

func serve(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterToken(t *testing.T) {
	doctor := &domain.Participant{ID: uuid.New(), Role: domain.RoleDoctor}
	repo := newFakeTokenRepo()
	r := newRouter(repo, doctor)

	w := serve(r, http.MethodPost, "/v1/push/tokens", gin.H{
		"token":    "device-token-1",
		"type":     "fcm",
		"platform": "android",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	tokens, err := repo.GetByUserID(context.Background(), doctor.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "device-token-1", tokens[0].Token)
	assert.Equal(t, push.TokenTypeFCM, tokens[0].Type)
	assert.True(t, tokens[0].Active)
}

func TestRegisterToken_Rejected(t *testing.T) {
	doctor := &domain.Participant{ID: uuid.New(), Role: domain.RoleDoctor}

	tests := []struct {
		name   string
		as     *domain.Participant
		body   gin.H
		status int
	}{
		{"unauthenticated", nil, gin.H{"token": "t", "type": "fcm"}, http.StatusUnauthorized},
		{"missing token", doctor, gin.H{"type": "fcm"}, http.StatusBadRequest},
		{"unknown type", doctor, gin.H{"token": "t", "type": "sms"}, http.StatusBadRequest},
		{"unknown platform", doctor, gin.H{"token": "t", "type": "apns", "platform": "tv"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeTokenRepo()
			w := serve(newRouter(repo, tt.as), http.MethodPost, "/v1/push/tokens", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Empty(t, repo.tokens)
		})
	}
}

func TestRegisterToken_StoreFailure(t *testing.T) {
	doctor := &domain.Participant{ID: uuid.New(), Role: domain.RoleDoctor}
	repo := newFakeTokenRepo()
	repo.err = errors.New("redis down")

	w := serve(newRouter(repo, doctor), http.MethodPost, "/v1/push/tokens", gin.H{"token": "t", "type": "fcm"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUnregisterToken(t *testing.T) {
	doctor := &domain.Participant{ID: uuid.New(), Role: domain.RoleDoctor}
	repo := newFakeTokenRepo()
	require.NoError(t, repo.Store(context.Background(), &push.Token{UserID: doctor.ID, Token: "keep"}))
	require.NoError(t, repo.Store(context.Background(), &push.Token{UserID: doctor.ID, Token: "drop"}))

	w := serve(newRouter(repo, doctor), http.MethodDelete, "/v1/push/tokens/drop", nil)
	require.Equal(t, http.StatusOK, w.Code)

	tokens, err := repo.GetByUserID(context.Background(), doctor.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "keep", tokens[0].Token)

	w = serve(newRouter(repo, nil), http.MethodDelete, "/v1/push/tokens/keep", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
