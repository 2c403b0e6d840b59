package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var unsafeFileChars = regexp.MustCompile("[^a-zA-Z0-9_-]+")

// WhatsAppManager manages per-tenant linked-device sessions.
type WhatsAppManager struct {
	clients map[string]*WhatsAppClient
	mu      sync.RWMutex
	baseDir string

	// HandlerFactory builds the event handler registered on each new client.
	HandlerFactory func(tenantID string) func(interface{})
}

func NewWhatsAppManager(baseDir string) *WhatsAppManager {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		slog.Warn("could not create device store directory", "dir", baseDir, "error", err)
	}
	return &WhatsAppManager{
		clients: make(map[string]*WhatsAppClient),
		baseDir: baseDir,
	}
}

// GetClient returns the tenant's session or nil.
func (m *WhatsAppManager) GetClient(tenantID string) *WhatsAppClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[tenantID]
}

func (m *WhatsAppManager) GetOrCreateClient(ctx context.Context, tenantID string) (*WhatsAppClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, exists := m.clients[tenantID]; exists {
		return client, nil
	}

	dbPath := filepath.Join(m.baseDir, "tenant_"+unsafeFileChars.ReplaceAllString(tenantID, "_")+".db")
	client, err := NewWhatsAppClient(ctx, dbPath, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to create linked device for tenant %s: %w", tenantID, err)
	}
	if m.HandlerFactory != nil {
		client.AddHandler(m.HandlerFactory(tenantID))
	}

	m.clients[tenantID] = client
	return client, nil
}

// ConnectClient connects the tenant's session, creating it if needed.
func (m *WhatsAppManager) ConnectClient(ctx context.Context, tenantID string) (*WhatsAppClient, error) {
	client, err := m.GetOrCreateClient(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if client.Client.IsConnected() {
		return client, nil
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect linked device for tenant %s: %w", tenantID, err)
	}
	return client, nil
}

// LogoutClient unpairs the session. A missing session counts as logged out.
func (m *WhatsAppManager) LogoutClient(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	client, exists := m.clients[tenantID]
	delete(m.clients, tenantID)
	m.mu.Unlock()

	if !exists || client == nil {
		return nil
	}
	if !client.IsLoggedIn() && !client.Client.IsConnected() {
		return nil
	}
	return client.Logout(ctx)
}

// DisconnectAll disconnects all clients (for graceful shutdown)
func (m *WhatsAppManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, client := range m.clients {
		client.Disconnect()
	}
	m.clients = make(map[string]*WhatsAppClient)
}
