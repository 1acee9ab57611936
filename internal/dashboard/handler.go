package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	syncengine "github.com/relaysync/relaysync/internal/sync"
)

// Handler bridges engine events to the WebSocket server. It consumes the
// engine's event channel and periodically broadcasts pending-operation
// counts.
type Handler struct {
	server *Server
	engine *syncengine.Engine
	logger *log.Logger

	// PendingInterval controls how often pending counts are broadcast.
	// Zero disables the periodic broadcast.
	PendingInterval time.Duration

	wg sync.WaitGroup
}

// NewHandler creates an event handler connected to a dashboard server.
func NewHandler(server *Server, engine *syncengine.Engine, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server:          server,
		engine:          engine,
		logger:          logger,
		PendingInterval: 10 * time.Second,
	}
}

// Run forwards engine events until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	h.wg.Add(1)
	go h.eventLoop(ctx)

	if h.PendingInterval > 0 {
		h.wg.Add(1)
		go h.pendingLoop(ctx)
	}

	h.wg.Wait()
}

func (h *Handler) eventLoop(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.engine.Events():
			if !ok {
				return
			}
			h.handleEvent(ev)
		}
	}
}

func (h *Handler) pendingLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.PendingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcastPending(ctx)
		}
	}
}

func (h *Handler) handleEvent(ev syncengine.Event) {
	switch ev.Type {
	case syncengine.EventStatusChange:
		h.send(MessageTypeStatus, StatusData{Status: string(ev.Status)})

	case syncengine.EventSyncComplete:
		h.logger.Printf("Sync complete: %s, %d ops", ev.SyncType, ev.Count)
		h.send(MessageTypeSyncComplete, SyncCompleteData{
			SyncType: ev.SyncType,
			Count:    ev.Count,
		})

	case syncengine.EventSyncError:
		h.logger.Printf("Sync error: %s: %s", ev.SyncType, ev.Error)
		h.send(MessageTypeSyncError, SyncErrorData{
			SyncType: ev.SyncType,
			Error:    ev.Error,
		})
	}
}

func (h *Handler) broadcastPending(ctx context.Context) {
	counts, err := h.engine.PendingCounts(ctx)
	if err != nil {
		h.logger.Printf("Failed to fetch pending counts: %v", err)
		return
	}
	h.send(MessageTypePending, PendingData{
		LocalUnsynced: counts.LocalUnsynced,
		RemotePending: counts.RemotePending,
		RemoteKnown:   counts.RemoteKnown,
	})
}

func (h *Handler) send(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
