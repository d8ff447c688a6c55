package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const defaultResendURL = "https://api.resend.com/emails"

// ResendClient Resend 邮件服务客户端
type ResendClient struct {
	apiKey     string
	fromEmail  string
	endpoint   string
	httpClient *http.Client
}

// NewResendClient 创建新的 Resend 客户端
func NewResendClient(apiKey, fromEmail string) *ResendClient {
	return &ResendClient{
		apiKey:     apiKey,
		fromEmail:  fromEmail,
		endpoint:   defaultResendURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// IsConfigured 检查 API Key 和发件人是否已配置
func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != "" && c.fromEmail != ""
}

// sendEmailRequest Resend API 请求结构
type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendEmail 发送邮件
func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    c.fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

func (c *ResendClient) Send(ctx context.Context, msg Message) error {
	subject, html := msg.render()
	return c.SendEmail(ctx, msg.To, subject, html)
}
