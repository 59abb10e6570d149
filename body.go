package tap

import (
	"bytes"
	"io"
)

// Bodies which grow past this many bytes are sent chunked.
const chunkThreshold = 5 * 1000000

// bufCloser is the in-memory body given to new requests and responses, and to any whose body is read without being
// consumed.
type bufCloser struct {
	bytes.Buffer
}

func (b *bufCloser) Close() error {
	return nil
}

// appendBody writes b to the body, replacing a body that can't be written to with a buffer holding its contents. The
// content length is kept in step, and set to -1 (unknown) once the body crosses the chunking threshold.
func appendBody(body *io.ReadCloser, contentLength *int64, b []byte) (int, error) {
	w, ok := (*body).(io.Writer)
	if !ok {
		buf := &bufCloser{}
		if rc := *body; rc != nil {
			if _, err := io.Copy(buf, rc); err != nil {
				// Some of the original body may have been consumed and lost here
				return 0, err
			}
			// rc will never again be accessible: once it's copied it must be closed
			rc.Close()
		}
		*body = buf
		w = buf
	}

	n, err := w.Write(b)
	if err != nil {
		return n, err
	}
	if *contentLength >= 0 {
		*contentLength += int64(n)
		if *contentLength >= chunkThreshold {
			*contentLength = -1
		}
	}
	return n, nil
}

// readBody reads the body in its entirety. Unless consume is set, the body is replaced with a buffer so it can be
// read again.
func readBody(body *io.ReadCloser, consume bool) ([]byte, error) {
	rc := *body
	if rc == nil {
		return nil, nil
	}
	if consume {
		defer rc.Close()
		return io.ReadAll(rc)
	}

	if buf, ok := rc.(*bufCloser); ok {
		return buf.Bytes(), nil
	}
	buf := &bufCloser{}
	*body = buf
	defer rc.Close()
	return io.ReadAll(io.TeeReader(rc, buf))
}

// isProtobuf reports whether the content type denotes protobuf wire format.
//
// application/x-protobuf is the "canonical" type; application/protobuf is from an expired IETF draft.
func isProtobuf(contentType string) bool {
	switch contentType {
	case "application/octet-stream", "application/x-google-protobuf", "application/protobuf", "application/x-protobuf":
		return true
	}
	return false
}
