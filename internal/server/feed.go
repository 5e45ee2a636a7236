package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/angeld23/axosync/internal/syncer"
)

// MessageType defines the type of feed message.
type MessageType string

const (
	// MessageTypeHello is sent once to each client on connect.
	MessageTypeHello MessageType = "hello"

	// MessageTypeSourcemapUpdate indicates a batch was applied and saved.
	MessageTypeSourcemapUpdate MessageType = "sourcemap_update"

	// MessageTypeFilePathsChanged indicates entries below the scrape root changed.
	MessageTypeFilePathsChanged MessageType = "file_paths_changed"
)

// Message is one websocket feed message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloData is the payload of a hello message.
type HelloData struct {
	Project string `json:"project"`
}

// SourcemapUpdateData describes an applied batch.
type SourcemapUpdateData struct {
	BatchID    string `json:"batch_id"`
	Operations int    `json:"operations"`
	Nodes      int    `json:"nodes"`
}

// FilePathsChangedData lists the absolute paths that changed.
type FilePathsChangedData struct {
	Paths []string `json:"paths"`
}

// NotifyBatch announces an applied batch to feed clients. It does not
// block, so it can be passed as syncer.Config.OnApplied.
func (s *Server) NotifyBatch(res syncer.Result) {
	s.publish(MessageTypeSourcemapUpdate, SourcemapUpdateData{
		BatchID:    res.BatchID,
		Operations: res.Operations,
		Nodes:      res.Nodes,
	})
}

// NotifyFilePaths announces changed paths below the scrape root.
func (s *Server) NotifyFilePaths(paths []string) {
	if len(paths) == 0 {
		return
	}
	s.publish(MessageTypeFilePathsChanged, FilePathsChangedData{Paths: paths})
}

func (s *Server) publish(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal feed data", "type", typ, "error", err)
		return
	}

	s.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// Broadcast queues a message for all connected clients, dropping it when
// the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The plugin connects from the editor, not a browser origin
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	hello, _ := json.Marshal(Message{
		Type:      MessageTypeHello,
		Timestamp: time.Now(),
		Data:      mustMarshal(HelloData{Project: s.projectName}),
	})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	wsClients.Set(float64(clientCount))

	s.logger.Info("client connected", "clients", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	wsClients.Set(float64(clientCount))

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "clients", clientCount)
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
