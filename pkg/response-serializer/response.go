package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	responseTimeHeaderName = "Asset-Cache-Response-Time"
	requestTimeHeaderName  = "Asset-Cache-Request-Time"
)

type TimedResponse struct {
	// Response.Request is stored alongside the response.
	// Only its method, URL and header (e.g. the Vary'd fields) are kept.
	Response *http.Response
	// The value of the clock at the time of the request that resulted in the stored response.
	RequestTime time.Time
	// The value of the clock at the time the response was received.
	ResponseTime time.Time
}

var delim = []byte("\r\n\r\n----\r\n\r\n")

// BytesToStoredResponse parses a response stored by StoredResponseToBytes.
// Every call returns a new, independent response.
func BytesToStoredResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	resTimeInt, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("response time: %w", err)
	}
	reqTimeInt, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("request time: %w", err)
	}
	sRes.ResponseTime = time.Unix(0, resTimeInt)
	sRes.RequestTime = time.Unix(0, reqTimeInt)
	// delete extra headers
	sRes.Response.Header.Del(responseTimeHeaderName)
	sRes.Response.Header.Del(requestTimeHeaderName)
	return sRes, nil
}

// StoredResponseToBytes serializes the request and response in HTTP/1.1 wire format.
// The response body is consumed and replaced with an identical in-memory copy,
// so the response can still be handed to a client afterwards.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	res := sRes.Response
	req := sRes.Response.Request
	if req == nil {
		return nil, fmt.Errorf("Request not set")
	}
	buf := &bytes.Buffer{}
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	// an empty value keeps Write from adding its default User-Agent
	if _, ok := header["User-Agent"]; !ok {
		header["User-Agent"] = []string{""}
	}
	stored := &http.Request{
		Method: req.Method,
		URL:    req.URL,
		Host:   req.Host,
		Header: header,
	}
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	buf.Write(delim)

	res.Header.Set(responseTimeHeaderName, strconv.FormatInt(sRes.ResponseTime.UnixNano(), 10))
	res.Header.Set(requestTimeHeaderName, strconv.FormatInt(sRes.RequestTime.UnixNano(), 10))
	bts, err := responseToBytes(res)
	// remove the extra headers just in case
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(requestTimeHeaderName)
	if err != nil {
		return nil, err
	}
	buf.Write(bts)

	return buf.Bytes(), nil
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, fmt.Errorf("Malformed stored response")
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
	if err != nil {
		return nil, fmt.Errorf("read stored request: %w", err)
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}
	// the body is known now, so it is written with a Content-Length
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	res.Body = io.NopCloser(bytes.NewReader(body))
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	return buf.Bytes(), nil
}
