package sse

import (
	"context"
	"sync"
	"time"

	"ms-orders/internal/models"
)

// StatusUpdate is one transaction status change pushed to stream clients.
type StatusUpdate struct {
	LocalID string                   `json:"local_id"`
	Status  models.TransactionStatus `json:"status"`
	At      time.Time                `json:"at"`
}

// StatusEmitter manages SSE connections and broadcasts transaction status
// changes, one room per transaction local ID.
type StatusEmitter struct {
	clients     map[string][]chan StatusUpdate
	clientMutex sync.RWMutex
}

func NewStatusEmitter() *StatusEmitter {
	return &StatusEmitter{
		clients: make(map[string][]chan StatusUpdate),
	}
}

// Subscribe adds a client to a transaction's status room. The channel is
// closed and removed when ctx is done.
func (e *StatusEmitter) Subscribe(ctx context.Context, localID string) chan StatusUpdate {
	clientChan := make(chan StatusUpdate, 10)

	e.clientMutex.Lock()
	e.clients[localID] = append(e.clients[localID], clientChan)
	e.clientMutex.Unlock()

	go func() {
		<-ctx.Done()
		e.removeClient(localID, clientChan)
	}()

	return clientChan
}

// EmitStatus broadcasts a status change to every client in the room.
// Sends are non-blocking so one slow client never stalls the emitter.
func (e *StatusEmitter) EmitStatus(localID string, status models.TransactionStatus) {
	update := StatusUpdate{LocalID: localID, Status: status, At: time.Now()}

	e.clientMutex.RLock()
	clients := e.clients[localID]
	e.clientMutex.RUnlock()

	for _, clientChan := range clients {
		select {
		case clientChan <- update:
		default:
			// Channel buffer full, skip this client for now
		}
	}
}

func (e *StatusEmitter) removeClient(localID string, clientChan chan StatusUpdate) {
	e.clientMutex.Lock()
	defer e.clientMutex.Unlock()

	clients := e.clients[localID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[localID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}

	if len(e.clients[localID]) == 0 {
		delete(e.clients, localID)
	}
}

// ClientCount returns the number of clients subscribed to a transaction.
func (e *StatusEmitter) ClientCount(localID string) int {
	e.clientMutex.RLock()
	defer e.clientMutex.RUnlock()
	return len(e.clients[localID])
}
