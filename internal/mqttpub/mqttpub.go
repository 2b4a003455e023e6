// Package mqttpub publishes aim frames and status to an MQTT broker and
// accepts tracker commands on a command topic.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Commands is what the command topic can drive.
type Commands interface {
	Recentre() error
	ZeroDrift(ctx context.Context) error
	GyroAction(down bool)
}

type Command string

const (
	CmdRecentre  Command = "recentre"
	CmdZeroDrift Command = "zero-drift"
	CmdGyroDown  Command = "gyro-down"
	CmdGyroUp    Command = "gyro-up"
)

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicPrefix has no trailing slash.
	TopicPrefix string
	// ZeroDriftTimeout bounds a zero-drift command.
	ZeroDriftTimeout time.Duration
}

// publisher is the part of mqtt.Client used after connecting.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Publisher struct {
	cfg    Config
	client mqtt.Client
	pub    publisher
	cmds   Commands
}

const (
	publishTimeout = 2 * time.Second
	offlineStatus  = `{"online":false}`
)

func (c Config) aimTopic() string    { return c.TopicPrefix + "/aim" }
func (c Config) statusTopic() string { return c.TopicPrefix + "/status" }
func (c Config) cmdTopic() string    { return c.TopicPrefix + "/cmd" }

// Connect dials the broker. The command subscription is renewed on every
// reconnect; the broker publishes an offline status if the link drops.
func Connect(cfg Config, cmds Commands) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gyroaim-" + uuid.NewString()[:8]
	}
	if cfg.ZeroDriftTimeout <= 0 {
		cfg.ZeroDriftTimeout = 10 * time.Second
	}
	p := &Publisher{cfg: cfg, cmds: cmds}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetWill(cfg.statusTopic(), offlineStatus, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, token.Error())
	}
	p.client = client
	p.pub = client
	log.Printf("mqtt: connected to %s as %s", cfg.Broker, cfg.ClientID)
	return p, nil
}

func (p *Publisher) onConnect(c mqtt.Client) {
	if p.cmds == nil {
		return
	}
	topic := p.cfg.cmdTopic()
	token := c.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		p.handle(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			log.Printf("mqtt: subscribe %s: timeout", topic)
			return
		}
		if err := token.Error(); err != nil {
			log.Printf("mqtt: subscribe %s: %v", topic, err)
			return
		}
		log.Printf("mqtt: subscribed to %s", topic)
	}()
}

// PublishAim sends one aim frame at QoS 0, not retained.
func (p *Publisher) PublishAim(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("mqtt: marshal aim: %w", err)
	}
	p.pub.Publish(p.cfg.aimTopic(), 0, false, payload)
	return nil
}

// PublishStatus sends a retained status document.
func (p *Publisher) PublishStatus(status any) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("mqtt: marshal status: %w", err)
	}
	token := p.pub.Publish(p.cfg.statusTopic(), 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish status: timeout")
	}
	return token.Error()
}

// ParseCommand accepts a bare command word or {"cmd":"<word>"}.
func ParseCommand(payload []byte) (Command, error) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var msg struct {
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			return "", fmt.Errorf("mqtt: bad command json: %w", err)
		}
		s = msg.Cmd
	}
	c := Command(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CmdRecentre, CmdZeroDrift, CmdGyroDown, CmdGyroUp:
		return c, nil
	}
	return "", fmt.Errorf("mqtt: unknown command %q", s)
}

func (p *Publisher) handle(payload []byte) {
	cmd, err := ParseCommand(payload)
	if err != nil {
		log.Printf("%v", err)
		return
	}
	switch cmd {
	case CmdRecentre:
		if err := p.cmds.Recentre(); err != nil {
			log.Printf("mqtt: recentre: %v", err)
		}
	case CmdZeroDrift:
		// Handlers must not block the paho router for the averaging window.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ZeroDriftTimeout)
			defer cancel()
			if err := p.cmds.ZeroDrift(ctx); err != nil {
				log.Printf("mqtt: zero drift: %v", err)
			}
		}()
	case CmdGyroDown:
		p.cmds.GyroAction(true)
	case CmdGyroUp:
		p.cmds.GyroAction(false)
	}
}

// Close marks the status offline and disconnects.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	token := p.pub.Publish(p.cfg.statusTopic(), 1, true, offlineStatus)
	token.WaitTimeout(publishTimeout)
	p.client.Disconnect(250)
}
