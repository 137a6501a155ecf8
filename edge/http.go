package edge

import (
	"net"
	"net/http"
)

// FromHTTPRequest converts a net/http request into the request leg of an
// event. net/http keeps the Host header outside of r.Header, so it is added
// back here.
func FromHTTPRequest(r *http.Request) *Request {
	h := FromHTTPHeader(r.Header)
	if r.Host != "" && len(h.Get("host")) == 0 {
		h.Set("Host", r.Host)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	return &Request{
		ClientIP:    ip,
		Method:      r.Method,
		URI:         r.URL.Path,
		QueryString: r.URL.RawQuery,
		Headers:     h,
	}
}

// ApplyTo copies the request leg onto an outgoing net/http request: headers,
// path and query. The Host header is applied to r.Host.
func (r *Request) ApplyTo(hr *http.Request) {
	hh := r.Headers.HTTPHeader()
	if host := hh.Get("Host"); host != "" {
		hr.Host = host
		hh.Del("Host")
	}

	hr.Header = hh
	if r.URI != "" {
		hr.URL.Path = r.URI
		hr.URL.RawPath = ""
	}
	hr.URL.RawQuery = r.QueryString
}

// FromHTTPResponse converts the headers and status of a net/http response
// into the response leg of an event. The body stays with the response.
func FromHTTPResponse(resp *http.Response) *Response {
	return &Response{
		Status:            resp.StatusCode,
		StatusDescription: http.StatusText(resp.StatusCode),
		Headers:           FromHTTPHeader(resp.Header),
	}
}

// Render writes a generated response, including its body.
func (r *Response) Render(w http.ResponseWriter) error {
	for k, vs := range r.Headers.HTTPHeader() {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	w.WriteHeader(r.Status)
	_, err := w.Write([]byte(r.Body))
	return err
}
