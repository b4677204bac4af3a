package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voting-queue-system/internal/auth"
	"github.com/voting-queue-system/internal/session"
	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 16
	commandTimeout = 15 * time.Second
)

// Client message types.
const (
	MsgVote     = "vote"
	MsgAddSong  = "add_song"
	MsgRemove   = "remove"
	MsgReorder  = "reorder"
	MsgPlayNow  = "play_now"
	MsgToggle   = "toggle"
	MsgNext     = "next"
	MsgPrevious = "previous"
	MsgResync   = "resync"
)

// Server message types.
const (
	MsgSnapshot = "snapshot"
	MsgError    = "error"
)

// Inbound is a command from the viewer. ID is echoed back on errors.
type Inbound struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	SongID    string     `json:"song_id,omitempty"`
	Weight    int        `json:"weight,omitempty"`
	Direction string     `json:"direction,omitempty"`
	Song      *SongInput `json:"song,omitempty"`
}

type SongInput struct {
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	TrackURI   string `json:"track_uri"`
	CoverURL   string `json:"cover_url"`
	DurationMs int    `json:"duration"`
}

type Outbound struct {
	Type  string        `json:"type"`
	ID    string        `json:"id,omitempty"`
	Data  *session.View `json:"data,omitempty"`
	Error string        `json:"error,omitempty"`
	Code  string        `json:"code,omitempty"`
}

// SessionSource hands out shared queue sessions.
type SessionSource interface {
	Acquire(ctx context.Context, queueID, viewerID uuid.UUID) (*session.Session, func(), error)
}

// Handler bridges one websocket connection to one queue session. The
// session reconciles store changes; the connection only renders its view
// and forwards commands.
type Handler struct {
	sessions SessionSource
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler accepts connections from the given origins; none means any.
func NewHandler(sessions SessionSource, allowedOrigins []string, log *zap.Logger) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
		log: log,
	}
}

func (h *Handler) HandleWebSocket(c *gin.Context) {
	queueID, err := uuid.Parse(c.Param("queueId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid queue id"})
		return
	}
	viewerID, err := uuid.Parse(c.GetString(auth.KeyUserID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user"})
		return
	}

	sess, release, err := h.sessions.Acquire(c.Request.Context(), queueID, viewerID)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error(), "code": apperr.Code(err)})
		return
	}
	defer release()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	cl := &client{
		conn: conn,
		sess: sess,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
		log: h.log.With(
			zap.String("queue_id", queueID.String()),
			zap.String("viewer_id", viewerID.String())),
	}
	cl.serve()
}

type client struct {
	conn *websocket.Conn
	sess *session.Session
	send chan []byte
	quit chan struct{}
	once sync.Once
	log  *zap.Logger
}

func (cl *client) serve() {
	updates, stop := cl.sess.Watch()
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cl.writePump()
	}()
	go func() {
		defer wg.Done()
		cl.watch(updates)
	}()

	cl.pushSnapshot()
	cl.readPump()
	cl.close()
	wg.Wait()
}

func (cl *client) close() {
	cl.once.Do(func() { close(cl.quit) })
}

// watch renders the view after every change and once more when the
// session stops.
func (cl *client) watch(updates <-chan struct{}) {
	for {
		select {
		case <-updates:
			cl.pushSnapshot()
		case <-cl.sess.Done():
			cl.pushSnapshot()
			return
		case <-cl.quit:
			return
		}
	}
}

func (cl *client) readPump() {
	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			cl.sendError("", fmt.Errorf("malformed message: %w", apperr.ErrInvalidState))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err = cl.dispatch(ctx, msg)
		cancel()
		if err != nil {
			cl.log.Debug("command failed", zap.String("type", msg.Type), zap.Error(err))
			cl.sendError(msg.ID, err)
		}
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case message := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				cl.close()
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.close()
				return
			}
		case <-cl.quit:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (cl *client) dispatch(ctx context.Context, msg Inbound) error {
	s := cl.sess
	switch msg.Type {
	case MsgVote:
		songID, err := parseSong(msg.SongID)
		if err != nil {
			return err
		}
		if msg.Weight != 0 {
			return s.VoteWeight(ctx, songID, msg.Weight)
		}
		return s.Vote(ctx, songID)
	case MsgAddSong:
		if msg.Song == nil {
			return fmt.Errorf("song is required: %w", apperr.ErrInvalidState)
		}
		_, err := s.AddSong(ctx, models.Song{
			Title:      msg.Song.Title,
			Artist:     msg.Song.Artist,
			Album:      msg.Song.Album,
			TrackURI:   msg.Song.TrackURI,
			CoverURL:   msg.Song.CoverURL,
			DurationMs: msg.Song.DurationMs,
		})
		return err
	case MsgRemove:
		songID, err := parseSong(msg.SongID)
		if err != nil {
			return err
		}
		return s.Remove(ctx, songID)
	case MsgReorder:
		songID, err := parseSong(msg.SongID)
		if err != nil {
			return err
		}
		dir, err := session.ParseDirection(msg.Direction)
		if err != nil {
			return err
		}
		return s.Reorder(ctx, songID, dir)
	case MsgPlayNow:
		songID, err := parseSong(msg.SongID)
		if err != nil {
			return err
		}
		return s.PlayNow(ctx, songID)
	case MsgToggle:
		_, err := s.Toggle(ctx)
		if err == nil {
			cl.pushSnapshot()
		}
		return err
	case MsgNext:
		return s.Next(ctx)
	case MsgPrevious:
		if err := s.Previous(ctx); err != nil {
			return err
		}
		cl.pushSnapshot()
		return nil
	case MsgResync:
		if err := s.Resync(ctx); err != nil {
			return err
		}
		cl.pushSnapshot()
		return nil
	default:
		return fmt.Errorf("unknown message type %q: %w", msg.Type, apperr.ErrInvalidState)
	}
}

func parseSong(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("song id %q: %w", raw, apperr.ErrInvalidState)
	}
	return id, nil
}

func (cl *client) pushSnapshot() {
	view := cl.sess.View()
	cl.enqueue(Outbound{Type: MsgSnapshot, Data: &view})
}

func (cl *client) sendError(id string, err error) {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		err = apperr.ErrUnavailable
	}
	cl.enqueue(Outbound{Type: MsgError, ID: id, Error: msg, Code: apperr.Code(err)})
}

// enqueue drops the message when the client is too slow to keep up; the
// next snapshot supersedes it.
func (cl *client) enqueue(out Outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		cl.log.Error("failed to marshal message", zap.String("type", out.Type), zap.Error(err))
		return
	}
	select {
	case cl.send <- data:
	case <-cl.quit:
	default:
		cl.log.Warn("client send buffer full, dropping message", zap.String("type", out.Type))
	}
}
