package infrastructure

import (
	"context"
	"fmt"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
)

// ChannelMessenger delivers outbound messages on the channel they belong to.
// WhatsApp text prefers the tenant's linked device when it is connected, then the Cloud API.
type ChannelMessenger struct {
	cloud         *WhatsAppCloudClient
	devices       *WhatsAppManager // nil when linked devices are disabled
	conversations interfaces.ConversationService
	outbound      *KeyedLimiter
}

func NewChannelMessenger(cloud *WhatsAppCloudClient, devices *WhatsAppManager, conversations interfaces.ConversationService, outbound *KeyedLimiter) *ChannelMessenger {
	return &ChannelMessenger{cloud: cloud, devices: devices, conversations: conversations, outbound: outbound}
}

var _ interfaces.Messenger = (*ChannelMessenger)(nil)

func (m *ChannelMessenger) Send(ctx context.Context, route *entities.TenantRoute, msg entities.OutboundMessage) error {
	switch msg.Channel {
	case entities.ChannelWhatsApp:
		return m.sendWhatsApp(ctx, route, msg)
	case entities.ChannelWebWidget:
		// The widget polls the conversation, so delivering means storing the bot turn.
		return m.conversations.AppendMessage(ctx, route.TenantID, entities.ChannelWebWidget, msg.To, "assistant", msg.Text)
	default:
		return fmt.Errorf("%w: no outbound path for channel %q", entities.ErrChannelUnavailable, msg.Channel)
	}
}

func (m *ChannelMessenger) sendWhatsApp(ctx context.Context, route *entities.TenantRoute, msg entities.OutboundMessage) error {
	if m.outbound != nil {
		if err := m.outbound.Wait(ctx, route.TenantID); err != nil {
			return err
		}
	}

	if msg.TemplateName == "" && m.devices != nil {
		if client := m.devices.GetClient(route.TenantID); client != nil && client.IsConnected() {
			return client.SendText(ctx, msg.To, msg.Text)
		}
	}
	if m.cloud != nil && m.cloud.Configured(route) {
		return m.cloud.Send(ctx, route, msg)
	}
	return fmt.Errorf("%w: tenant %s has no whatsapp sender", entities.ErrChannelUnavailable, route.TenantID)
}
