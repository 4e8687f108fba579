package services

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"postpilot/ledger"
	"postpilot/models"
)

type mailSender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

// MailNotifier は記録の登録を担当者に SendGrid でメール通知します
type MailNotifier struct {
	client   mailSender
	fromName string
	fromAddr string
	toAddr   string
}

func NewMailNotifier(apiKey, fromName, fromAddr, toAddr string) *MailNotifier {
	return &MailNotifier{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: fromName,
		fromAddr: fromAddr,
		toAddr:   toAddr,
	}
}

func (n *MailNotifier) Name() string { return "sendgrid" }

func (n *MailNotifier) Publish(_ context.Context, record models.ShippingRecord) error {
	from := mail.NewEmail(n.fromName, n.fromAddr)
	to := mail.NewEmail("", n.toAddr)
	subject := fmt.Sprintf("発送記録を登録しました（%s）", record.RecordID)

	message := mail.NewSingleEmail(from, subject, to, createPlainTextContent(record), createHTMLContent(record))

	response, err := n.client.Send(message)
	if err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	// SendGridのレスポンス検証
	if response.StatusCode >= 300 {
		return fmt.Errorf("SendGrid returned HTTP %d: %s", response.StatusCode, response.Body)
	}
	return nil
}

type mailLine struct {
	label string
	value string
}

func mailLines(record models.ShippingRecord) []mailLine {
	express := "なし"
	if record.ShippingData.Express {
		express = ledger.ExpressMarker
	}
	return []mailLine{
		{"記録ID", record.RecordID},
		{"記録日時", record.Timestamp},
		{"宛名", record.Address.Name},
		{"会社名", record.Address.Company},
		{"郵便番号", record.Address.PostalCode},
		{"住所", record.Address.Address},
		{"発送方法", ledger.MethodLabel(record.ShippingData.Method)},
		{"速達", express},
		{"追跡番号", record.ShippingData.TrackingNumber},
		{"投函方法", ledger.PostingLabel(record.ShippingData.PostingMethod)},
		{"料金", fmt.Sprintf("%d円", record.Fee)},
	}
}

func createPlainTextContent(record models.ShippingRecord) string {
	var b strings.Builder
	b.WriteString("以下の発送記録が登録されました。\n\n")
	for _, l := range mailLines(record) {
		if l.value == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", l.label, l.value)
	}
	return b.String()
}

func createHTMLContent(record models.ShippingRecord) string {
	var rows strings.Builder
	for _, l := range mailLines(record) {
		if l.value == "" {
			continue
		}
		fmt.Fprintf(&rows, `
            <tr><th style="text-align: left; padding: 4px 12px 4px 0;">%s</th><td>%s</td></tr>`,
			html.EscapeString(l.label), html.EscapeString(l.value))
	}

	return `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>発送記録</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #2c3e50;">発送記録を登録しました</h2>
        <table>` + rows.String() + `
        </table>
    </div>
</body>
</html>`
}
