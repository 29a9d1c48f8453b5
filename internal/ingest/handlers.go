package ingest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/inline/internal/presence"
	intsync "github.com/matheus3301/inline/internal/sync"
	"github.com/matheus3301/inline/internal/update"
)

// Error codes reported in API error bodies besides the engine's own.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeEngineStopped = "ENGINE_STOPPED"
	CodeUnavailable   = "UNAVAILABLE"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func abortWith(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Code: code, Error: msg})
}

func chatParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("chatId"), 10, 64)
	if err != nil || id == 0 {
		abortWith(c, http.StatusBadRequest, CodeBadRequest, "chatId must be a non-zero integer")
		return 0, false
	}
	return id, true
}

// BatchController applies update batches.
type BatchController struct {
	engine Engine
}

// BatchResult is the body of a successful batch request.
type BatchResult struct {
	Updates int `json:"updates"`
}

// Handle decodes the request body as a batch and applies it. A body that
// does not decode is rejected before anything is applied.
func (h *BatchController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		updates, err := update.DecodeBatch(c.Request.Body)
		if err != nil {
			abortWith(c, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		if h.engine == nil {
			abortWith(c, http.StatusServiceUnavailable, CodeUnavailable, "update engine not available")
			return
		}

		err = h.engine.ApplyBatch(c.Request.Context(), updates)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, BatchResult{Updates: len(updates)})
		case errors.Is(err, intsync.ErrEngineStopped):
			abortWith(c, http.StatusServiceUnavailable, CodeEngineStopped, err.Error())
		case errors.Is(err, intsync.ErrStorageFailure):
			abortWith(c, http.StatusServiceUnavailable, string(intsync.CodeStorageFailure), err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			abortWith(c, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
		default:
			abortWith(c, http.StatusInternalServerError, CodeUnavailable, err.Error())
		}
	}
}

// SendController queues outbound texts.
type SendController struct {
	outbox Queuer
}

type sendRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendResult is the body of an accepted send.
type SendResult struct {
	Status   string `json:"status"`
	ChatID   int64  `json:"chat_id"`
	RandomID int64  `json:"random_id"`
}

// Handle queues the text and answers 202 with its random id. The message
// appears in the store once the sender picks it up.
func (h *SendController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID, ok := chatParam(c)
		if !ok {
			return
		}
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWith(c, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		if h.outbox == nil {
			abortWith(c, http.StatusServiceUnavailable, CodeUnavailable, "outbox not available")
			return
		}
		randomID, err := h.outbox.Queue(chatID, req.Text)
		if err != nil {
			abortWith(c, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
			return
		}
		c.JSON(http.StatusAccepted, SendResult{Status: "queued", ChatID: chatID, RandomID: randomID})
	}
}

// StatsController reports engine counters and lifecycle state.
type StatsController struct {
	engine Engine
}

// StatsResult is the body of a stats request.
type StatsResult struct {
	State    string    `json:"state"`
	Since    time.Time `json:"since"`
	Batches  int64     `json:"batches"`
	Applied  int64     `json:"applied"`
	Skipped  int64     `json:"skipped"`
	Failures int64     `json:"failures"`
}

// Handle answers with the current stats.
func (h *StatsController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.engine == nil {
			abortWith(c, http.StatusServiceUnavailable, CodeUnavailable, "update engine not available")
			return
		}
		st := h.engine.Stats()
		m := h.engine.Status()
		c.JSON(http.StatusOK, StatsResult{
			State:    string(m.Current()),
			Since:    m.Since(),
			Batches:  st.Batches,
			Applied:  st.Applied,
			Skipped:  st.Skipped,
			Failures: st.Failures,
		})
	}
}

// PresenceController lists compose indicators of a chat.
type PresenceController struct {
	tracker *presence.Tracker
}

// PresenceEntry is one indicator in a presence response.
type PresenceEntry struct {
	UserID int64     `json:"user_id"`
	Action string    `json:"action"`
	Since  time.Time `json:"since"`
}

// Handle answers with the chat's indicators ordered by user id.
func (h *PresenceController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID, ok := chatParam(c)
		if !ok {
			return
		}
		out := []PresenceEntry{}
		if h.tracker != nil {
			for _, e := range h.tracker.List(chatID) {
				out = append(out, PresenceEntry{UserID: e.UserID, Action: e.Action, Since: e.Since})
			}
		}
		c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "presence": out})
	}
}
