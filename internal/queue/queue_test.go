package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voting-queue-system/internal/auth"
	"github.com/voting-queue-system/internal/store"
	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/models"
)

type mapCache struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]models.Queue
	codes map[string]uuid.UUID
}

func newMapCache() *mapCache {
	return &mapCache{byID: map[uuid.UUID]models.Queue{}, codes: map[string]uuid.UUID{}}
}

func (c *mapCache) Put(_ context.Context, q *models.Queue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[q.ID] = *q
	c.codes[q.AccessCode] = q.ID
	return nil
}

func (c *mapCache) Get(_ context.Context, id uuid.UUID) (*models.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.byID[id]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (c *mapCache) GetByCode(ctx context.Context, code string) (*models.Queue, error) {
	c.mu.Lock()
	id, ok := c.codes[code]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return c.Get(ctx, id)
}

func (c *mapCache) Invalidate(_ context.Context, q *models.Queue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, q.ID)
	delete(c.codes, q.AccessCode)
	return nil
}

func newService(t *testing.T) (*Service, *store.Memory, *mapCache) {
	t.Helper()
	st := store.NewMemory(nil, zap.NewNop())
	cache := newMapCache()
	return NewService(st, cache, zap.NewNop()), st, cache
}

func TestCreate_RetriesTakenCodes(t *testing.T) {
	svc, _, cache := newService(t)
	ctx := context.Background()
	host := uuid.New()

	codes := []string{"111111", "111111", "222222"}
	svc.code = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	first, err := svc.Create(ctx, host, CreateParams{Name: "Friday"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := svc.Create(ctx, host, CreateParams{Name: "Saturday"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.AccessCode != "111111" || second.AccessCode != "222222" {
		t.Errorf("codes = %s, %s", first.AccessCode, second.AccessCode)
	}
	if !second.Settings.IsPublic || !second.Settings.AllowGuestAddSongs {
		t.Errorf("default settings = %+v", second.Settings)
	}
	if _, ok := cache.byID[second.ID]; !ok {
		t.Error("created queue was not cached")
	}
}

func TestCreate_RejectsBlankName(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Create(context.Background(), uuid.New(), CreateParams{Name: "  "}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("Create error = %v, want ErrInvalidState", err)
	}
}

func TestGetByCode_PrivateQueueOnlyForHost(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	host := uuid.New()

	q, err := svc.Create(ctx, host, CreateParams{Name: "Private", Settings: &models.QueueSettings{IsPublic: false}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.GetByCode(ctx, q.AccessCode, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("guest lookup error = %v, want ErrNotFound", err)
	}
	if got, err := svc.GetByCode(ctx, q.AccessCode, host); err != nil || got.ID != q.ID {
		t.Errorf("host lookup = %v, %v", got, err)
	}
}

func TestDeactivate_HidesCodeAndChecksOwner(t *testing.T) {
	svc, _, cache := newService(t)
	ctx := context.Background()
	host := uuid.New()

	q, err := svc.Create(ctx, host, CreateParams{Name: "Party"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Deactivate(ctx, uuid.New(), q.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("Deactivate by stranger = %v, want ErrForbidden", err)
	}
	if err := svc.Deactivate(ctx, host, q.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, ok := cache.byID[q.ID]; ok {
		t.Error("deactivated queue still cached")
	}
	if _, err := svc.GetByCode(ctx, q.AccessCode, host); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetByCode after deactivate = %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	host := uuid.New()
	q, _ := svc.Create(ctx, host, CreateParams{Name: "Old"})

	name := "New"
	settings := models.QueueSettings{IsPublic: true, MaxVotesPerUser: 3}
	if _, err := svc.Update(ctx, host, q.ID, UpdateParams{Name: &name, Settings: &settings}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := st.GetQueue(ctx, q.ID)
	if got.Name != "New" || got.Settings.MaxVotesPerUser != 3 || got.Settings.AllowGuestAddSongs {
		t.Errorf("stored queue = %+v", got)
	}

	bad := models.QueueSettings{MaxVotesPerUser: -1}
	if _, err := svc.Update(ctx, host, q.ID, UpdateParams{Settings: &bad}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("negative vote cap error = %v, want ErrInvalidState", err)
	}
}

func TestBoard_RanksFreshSnapshot(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	host, voter := uuid.New(), uuid.New()
	q, _ := svc.Create(ctx, host, CreateParams{Name: "Party"})

	one := &models.Song{QueueID: q.ID, Title: "One", Artist: "A"}
	two := &models.Song{QueueID: q.ID, Title: "Two", Artist: "B"}
	played := &models.Song{QueueID: q.ID, Title: "Old", Artist: "C"}
	for _, s := range []*models.Song{one, two, played} {
		if err := st.AddSong(ctx, s); err != nil {
			t.Fatalf("AddSong: %v", err)
		}
	}
	if _, err := st.UpsertVote(ctx, &models.Vote{SongID: two.ID, ProfileID: voter, VoteCount: 1}); err != nil {
		t.Fatalf("UpsertVote: %v", err)
	}
	if _, err := st.MarkSongPlayed(ctx, played.ID, played.CreatedAt); err != nil {
		t.Fatalf("MarkSongPlayed: %v", err)
	}

	board, err := svc.Board(ctx, q.ID, voter, 0)
	if err != nil {
		t.Fatalf("Board: %v", err)
	}
	if len(board.Ranked) != 2 || board.Ranked[0].ID != two.ID || !board.Ranked[0].UserHasVoted || board.Ranked[1].UserHasVoted {
		t.Errorf("ranked = %+v", board.Ranked)
	}
	if board.NowPlaying == nil || board.NowPlaying.ID != played.ID || len(board.Recent) != 1 {
		t.Errorf("now playing = %v, recent = %v", board.NowPlaying, board.Recent)
	}
}

func newRouter(svc *Service, userID uuid.UUID, guest bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", func(c *gin.Context) {
		c.Set(auth.KeyUserID, userID.String())
		c.Set(auth.KeyGuest, guest)
		c.Next()
	})
	NewHandler(svc).RegisterRoutes(api)
	return r
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndFetch(t *testing.T) {
	svc, _, _ := newService(t)
	host := uuid.New()
	r := newRouter(svc, host, false)

	w := serve(r, http.MethodPost, "/api/v1/queues", `{"name":"Friday","settings":{"isPublic":true,"allowGuestAddSongs":false}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	var q models.Queue
	if err := json.Unmarshal(w.Body.Bytes(), &q); err != nil {
		t.Fatal(err)
	}
	if q.CreatorID != host || q.Settings.AllowGuestAddSongs || len(q.AccessCode) != 6 {
		t.Errorf("created = %+v", q)
	}

	guest := newRouter(svc, uuid.New(), true)
	if w := serve(guest, http.MethodGet, "/api/v1/queues/code/"+q.AccessCode, ""); w.Code != http.StatusOK {
		t.Errorf("guest get by code status = %d", w.Code)
	}
	if w := serve(guest, http.MethodGet, "/api/v1/queues/"+q.ID.String()+"/songs", ""); w.Code != http.StatusOK {
		t.Errorf("guest songs status = %d", w.Code)
	}
	if w := serve(guest, http.MethodDelete, "/api/v1/queues/"+q.ID.String(), ""); w.Code != http.StatusForbidden {
		t.Errorf("guest delete status = %d, want 403", w.Code)
	}
}

func TestHandler_Errors(t *testing.T) {
	svc, _, _ := newService(t)
	r := newRouter(svc, uuid.New(), false)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad id", http.MethodGet, "/api/v1/queues/nope", "", http.StatusBadRequest},
		{"unknown queue", http.MethodGet, "/api/v1/queues/" + uuid.NewString(), "", http.StatusNotFound},
		{"unknown code", http.MethodGet, "/api/v1/queues/code/000000", "", http.StatusNotFound},
		{"missing name", http.MethodPost, "/api/v1/queues", `{}`, http.StatusBadRequest},
		{"update unknown", http.MethodPatch, "/api/v1/queues/" + uuid.NewString(), `{"name":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := serve(r, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}
}
