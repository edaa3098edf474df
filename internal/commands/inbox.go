package commands

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pairflow/pairflow/internal/atomicfile"
	"github.com/pairflow/pairflow/internal/bubble"
	"github.com/pairflow/pairflow/internal/corerr"
)

// cursorFile is the sibling "last acknowledged sequence" bookkeeping file
// supplemented by §6.8, living alongside inbox.ndjson rather than inside
// it so a cursor rewrite never touches the append-only mirror.
func cursorFile(bubbleDir string) string {
	return filepath.Join(bubbleDir, "inbox.cursor")
}

func readCursor(bubbleDir string) (int, error) {
	result, err := atomicfile.Read(cursorFile(bubbleDir))
	if err != nil {
		return 0, err
	}
	if result.Missing || len(strings.TrimSpace(string(result.Data))) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(result.Data)))
	if err != nil {
		return 0, corerr.New(corerr.SchemaValidation, "commands.readCursor", err)
	}
	return n, nil
}

// sequenceOf extracts the zero-padded numeric suffix of an envelope id
// (msg_<date>_<seq>) for cursor comparison, without treating the date
// fragment as semantic data per §9's "strings as identity" note -- only
// the file's line order (equivalently, the numeric seq) is compared.
func sequenceOf(id string) int {
	idx := strings.LastIndexByte(id, '_')
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// readInboxLines parses inbox.ndjson leniently: unlike transcript.Read,
// it does NOT enforce sequence continuity, since inbox.ndjson is a
// mirror of only a subset of envelope types (§3.1) and therefore has
// deliberate gaps in the global sequence.
func readInboxLines(inboxPath string) ([]bubble.Envelope, error) {
	result, err := atomicfile.Read(inboxPath)
	if err != nil {
		return nil, err
	}
	if result.Missing || len(result.Data) == 0 {
		return nil, nil
	}
	var envs []bubble.Envelope
	for _, line := range bytes.Split(bytes.TrimRight(result.Data, "\n"), []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var env bubble.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, corerr.New(corerr.SchemaValidation, "commands.readInboxLines", err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// InboxUnread implements §6.8: read inbox.ndjson and return only the
// envelopes whose sequence exceeds the last acknowledged cursor value.
func InboxUnread(bubbleDir string) ([]bubble.Envelope, error) {
	envelopes, err := readInboxLines(filepath.Join(bubbleDir, "inbox.ndjson"))
	if err != nil {
		return nil, err
	}
	cursor, err := readCursor(bubbleDir)
	if err != nil {
		return nil, err
	}
	var unread []bubble.Envelope
	for _, env := range envelopes {
		if sequenceOf(env.ID) > cursor {
			unread = append(unread, env)
		}
	}
	return unread, nil
}

// MarkInboxRead advances the inbox read cursor to the highest sequence
// present in envelopes (a no-op if envelopes is empty).
func MarkInboxRead(bubbleDir string, envelopes []bubble.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	max := 0
	for _, env := range envelopes {
		if seq := sequenceOf(env.ID); seq > max {
			max = seq
		}
	}
	return atomicfile.Replace(cursorFile(bubbleDir), []byte(strconv.Itoa(max)), 0o644)
}
