package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrFileTooLarge = errors.New("protocol: file exceeds 5 MiB")
	ErrBadChunk     = errors.New("protocol: inconsistent file chunk")
)

// FileChunk is the JSON payload carried under MimeFileChunk. Data is base64
// via encoding/json's []byte handling. Files are chunked at 64 KiB of
// plaintext so each sealed frame stays well under the relay's frame cap.
type FileChunk struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
	Data   []byte `json:"data"`
}

// SplitFile chunks a file into sealed-payload-sized JSON blobs, ready to be
// submitted one per message under MimeFileChunk.
func SplitFile(name string, data []byte) ([][]byte, error) {
	if len(data) > MaxFileBytes {
		return nil, ErrFileTooLarge
	}
	fileID := uuid.NewString()
	total := (len(data) + MaxFileChunkBytes - 1) / MaxFileChunkBytes
	if total == 0 {
		total = 1
	}
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * MaxFileChunkBytes
		hi := min(lo+MaxFileChunkBytes, len(data))
		blob, err := json.Marshal(FileChunk{
			FileID: fileID,
			Name:   name,
			Index:  i,
			Total:  total,
			Data:   data[lo:hi],
		})
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal chunk: %w", err)
		}
		out = append(out, blob)
	}
	return out, nil
}

// AssembledFile is a fully reassembled incoming file.
type AssembledFile struct {
	Name string
	Data []byte
}

type pendingFile struct {
	name   string
	total  int
	chunks map[int][]byte
	size   int
}

// Assembler reassembles incoming file chunks by file id. Chunks may arrive
// interleaved across several files; per-sender ordering makes same-file
// chunks arrive in order but the assembler does not depend on it.
type Assembler struct {
	mu      sync.Mutex
	pending map[string]*pendingFile
}

func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[string]*pendingFile)}
}

// Add ingests one chunk payload. It returns the completed file once the last
// missing chunk arrives, or nil while the file is still partial.
func (a *Assembler) Add(payload []byte) (*AssembledFile, error) {
	var c FileChunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	if c.FileID == "" || c.Total <= 0 || c.Index < 0 || c.Index >= c.Total {
		return nil, ErrBadChunk
	}
	if len(c.Data) > MaxFileChunkBytes {
		return nil, ErrBadChunk
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pending[c.FileID]
	if p == nil {
		p = &pendingFile{name: c.Name, total: c.Total, chunks: make(map[int][]byte)}
		a.pending[c.FileID] = p
	}
	if p.total != c.Total {
		delete(a.pending, c.FileID)
		return nil, ErrBadChunk
	}
	if _, dup := p.chunks[c.Index]; !dup {
		p.chunks[c.Index] = c.Data
		p.size += len(c.Data)
		if p.size > MaxFileBytes {
			delete(a.pending, c.FileID)
			return nil, ErrFileTooLarge
		}
	}
	if len(p.chunks) < p.total {
		return nil, nil
	}

	delete(a.pending, c.FileID)
	data := make([]byte, 0, p.size)
	for i := 0; i < p.total; i++ {
		data = append(data, p.chunks[i]...)
	}
	return &AssembledFile{Name: p.name, Data: data}, nil
}
