package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/lrhodin/chatsync/pkg/chat"
)

func senderLabel(msg *chat.Message) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return msg.SenderID
}

func printMessage(w io.Writer, msg *chat.Message) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", humanize.Time(msg.CreatedAt), senderLabel(msg), msg.Text)
	if n := max(len(msg.Attachments), msg.AttachmentCount); n > 0 {
		fmt.Fprintf(&b, " (%d %s)", n, lo.Ternary(n == 1, "attachment", "attachments"))
	}
	if len(msg.Reactions) > 0 {
		parts := lo.Map(msg.Reactions, func(r chat.ReactionSummary, _ int) string {
			return fmt.Sprintf("%s %d", r.Emoji, r.Count)
		})
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, ", "))
	}
	switch msg.UploadState {
	case chat.UploadUploading:
		b.WriteString(" (uploading)")
	case chat.UploadUploaded:
		b.WriteString(" (sending)")
	case chat.UploadFailed:
		fmt.Fprintf(&b, " (failed: %s)", msg.FailureReason)
	}
	fmt.Fprintf(&b, "  <%s>\n", msg.ID)
	_, _ = io.WriteString(w, b.String())
}
