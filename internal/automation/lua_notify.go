//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// NotifyConfig lists where notify.send delivers messages.
type NotifyConfig struct {
	TelegramToken   string   `yaml:"telegram_token"`
	TelegramChatIDs []string `yaml:"telegram_chat_ids"`
	// NtfyURL is a full topic URL, e.g. https://ntfy.sh/my-farm.
	NtfyURL  string   `yaml:"ntfy_url"`
	Webhooks []string `yaml:"webhooks"`
}

type notification struct {
	url     string
	body    []byte
	headers map[string]string
}

// targets expands one message into the HTTP requests that deliver it.
func (c NotifyConfig) targets(title, msg string) []notification {
	var out []notification
	text := msg
	if title != "" {
		text = title + ": " + msg
	}
	if c.TelegramToken != "" {
		for _, chat := range c.TelegramChatIDs {
			body, _ := json.Marshal(map[string]string{"chat_id": chat, "text": text})
			out = append(out, notification{
				url:     "https://api.telegram.org/bot" + c.TelegramToken + "/sendMessage",
				body:    body,
				headers: map[string]string{"Content-Type": "application/json"},
			})
		}
	}
	if c.NtfyURL != "" {
		h := map[string]string{"Content-Type": "text/plain"}
		if title != "" {
			h["Title"] = title
		}
		out = append(out, notification{url: c.NtfyURL, body: []byte(msg), headers: h})
	}
	for _, u := range c.Webhooks {
		body, _ := json.Marshal(map[string]string{"title": title, "message": msg})
		out = append(out, notification{url: u, body: body, headers: map[string]string{"Content-Type": "application/json"}})
	}
	return out
}

// registerNotifyModule installs the `notify` global.
func registerNotifyModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return notifySend(L, e)
	}))
	L.SetGlobal("notify", mod)
}

// notify.send(msg [, title]) queues delivery to every configured target and
// returns how many there are. Delivery is fire-and-forget.
func notifySend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	title := L.OptString(2, "")

	targets := e.notify.targets(title, msg)
	if len(targets) == 0 {
		e.logger.Warn("notify.send: no targets configured")
	}
	for _, n := range targets {
		go e.deliver(n)
	}
	L.Push(lua.LNumber(len(targets)))
	return 1
}

func (e *Engine) deliver(n notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(n.body))
	if err != nil {
		e.logger.Error("notification request", "err", err)
		return
	}
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		e.logger.Warn("notification failed", "target", redact(n.url), "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		e.logger.Warn("notification rejected", "target", redact(n.url), "status", resp.StatusCode)
	}
}

// redact hides the Telegram bot token in logged URLs.
func redact(u string) string {
	if i := strings.Index(u, "/bot"); i >= 0 {
		if j := strings.Index(u[i+4:], "/"); j >= 0 {
			return fmt.Sprintf("%s/bot***%s", u[:i], u[i+4+j:])
		}
	}
	return u
}
