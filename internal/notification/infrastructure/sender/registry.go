package sender

import (
	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/config"
)

// Registry 渠道到发送方的映射。构造后只读，可并发访问。
type Registry struct {
	senders map[domain.Channel]domain.Sender
}

// NewRegistry 按配置装配启用的渠道发送方
func NewRegistry(cfg config.ChannelsConfig) *Registry {
	senders := make(map[domain.Channel]domain.Sender)
	if cfg.WhatsApp.Enabled {
		senders[domain.ChannelWhatsApp] = NewWhatsAppSender(cfg.WhatsApp)
	}
	if cfg.Email.Enabled {
		senders[domain.ChannelEmail] = NewEmailSender(cfg.Email)
	}
	if cfg.SMS.Enabled {
		senders[domain.ChannelSMS] = NewSMSSender(cfg.SMS, cfg.WhatsApp.CountryCode)
	}
	return &Registry{senders: senders}
}

// NewRegistryWith 以显式发送方列表装配（测试用）
func NewRegistryWith(senders ...domain.Sender) *Registry {
	m := make(map[domain.Channel]domain.Sender, len(senders))
	for _, s := range senders {
		m[s.Channel()] = s
	}
	return &Registry{senders: m}
}

// For 取指定渠道的发送方，未启用时返回 nil
func (r *Registry) For(channel domain.Channel) domain.Sender {
	return r.senders[channel]
}

// Enabled 列出已启用的渠道
func (r *Registry) Enabled() []domain.Channel {
	channels := make([]domain.Channel, 0, len(r.senders))
	for c := range r.senders {
		channels = append(channels, c)
	}
	return channels
}
