package storage

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Values reuse the json struct tags so the wire and the store agree on
// field names.
const structTag = "json"

type encoderPoolEntry struct {
	buf *bytes.Buffer
	enc *msgpack.Encoder
}

var encoderPool = sync.Pool{
	New: func() interface{} {
		buf := new(bytes.Buffer)
		enc := msgpack.NewEncoder(buf)
		enc.SetCustomStructTag(structTag)
		enc.SetSortMapKeys(true)
		return &encoderPoolEntry{buf: buf, enc: enc}
	},
}

func encode(v interface{}) ([]byte, error) {
	entry := encoderPool.Get().(*encoderPoolEntry)
	defer encoderPool.Put(entry)
	entry.buf.Reset()

	if err := entry.enc.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, entry.buf.Len())
	copy(out, entry.buf.Bytes())
	return out, nil
}

func decode(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag(structTag)
	return dec.Decode(v)
}
