package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseToBytes converts a response to its HTTP/1.1 representation.
// The body is read completely and written with an explicit Content-Length,
// so that the stored body is exactly the bytes the network returned.
// The response body is set back, so the response can still be used afterwards.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	// write a copy in order not to touch the framing of the original response
	stored := *res
	stored.Header = res.Header.Clone()
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	stored.ProtoMajor, stored.ProtoMinor = 1, 1
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Close = false
	stored.Uncompressed = false
	stored.Trailer = nil
	stored.Header.Del("Transfer-Encoding")
	if stored.StatusCode == 0 {
		stored.StatusCode = http.StatusOK
	}

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("writing response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts stored bytes back to a response for the given request.
// The request may be nil.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}
