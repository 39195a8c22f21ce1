package composer

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/yourusername/groupchat/internal/client/conversation"
)

// Draft is the unsent input of one group. It is cleared only after the hub
// accepts the message.
type Draft struct {
	composer *Composer
	groupID  string

	mu     sync.Mutex
	text   string
	medias []string
	files  []string
}

func (d *Draft) SetText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
}

func (d *Draft) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// AttachMedia adds an image or video to the draft
func (d *Draft) AttachMedia(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.medias = append(d.medias, base64.StdEncoding.EncodeToString(data))
}

// AttachFile adds a document to the draft
func (d *Draft) AttachFile(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = append(d.files, base64.StdEncoding.EncodeToString(data))
}

// Attachments returns the number of media and files attached
func (d *Draft) Attachments() (medias, files int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.medias), len(d.files)
}

// Clear empties the draft
func (d *Draft) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text, d.medias, d.files = "", nil, nil
}

// Submit sends the draft. On success the sent content is removed, keeping
// edits made while the send was in flight; on failure the draft is left as
// it was so the user can resubmit.
func (d *Draft) Submit(ctx context.Context) (conversation.Message, error) {
	d.mu.Lock()
	var text *string
	if d.text != "" {
		t := d.text
		text = &t
	}
	medias := append([]string(nil), d.medias...)
	files := append([]string(nil), d.files...)
	d.mu.Unlock()

	msg, err := d.composer.Compose(ctx, d.groupID, text, medias, files)
	if err != nil {
		return msg, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if text != nil && d.text == *text {
		d.text = ""
	}
	d.medias = trimSent(d.medias, medias)
	d.files = trimSent(d.files, files)
	return msg, nil
}

// trimSent drops the sent prefix from cur. Anything attached while the
// message was in flight stays in the draft.
func trimSent(cur, sent []string) []string {
	if len(sent) == 0 {
		return cur
	}
	if len(cur) < len(sent) {
		return cur
	}
	for i := range sent {
		if cur[i] != sent[i] {
			return cur
		}
	}
	rest := cur[len(sent):]
	if len(rest) == 0 {
		return nil
	}
	return append([]string(nil), rest...)
}
