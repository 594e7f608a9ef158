package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidEndpoint is returned for endpoints no connection could ever be opened to
var ErrInvalidEndpoint = errors.New("invalid stream endpoint")

// BacklogParam is the query parameter requesting a replay of recent events
const BacklogParam = "backlog"

// Endpoint identifies the stream of one topic. It is a value and is not
// modified once a connection manager is built from it.
type Endpoint struct {
	Topic   string
	Host    string // host[:port]
	Secure  bool   // wss when true, ws otherwise
	Root    string // stream root path, e.g. "ws/stream"
	Backlog int    // recent events to replay on (re)connect; 0 for none
}

// Scheme returns the WebSocket scheme matching the page's transport security
func (e Endpoint) Scheme() string {
	if e.Secure {
		return "wss"
	}
	return "ws"
}

// Validate reports whether the endpoint can be rendered into a dialable URL
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Topic) == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidEndpoint)
	}
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if strings.ContainsAny(e.Host, "/?# ") {
		return fmt.Errorf("%w: malformed host %q", ErrInvalidEndpoint, e.Host)
	}
	if e.Backlog < 0 {
		return fmt.Errorf("%w: negative backlog", ErrInvalidEndpoint)
	}
	if _, err := url.Parse(e.Scheme() + "://" + e.Host); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	return nil
}

// URL renders {scheme}://{host}/{root}/{topic}[?backlog=N]
func (e Endpoint) URL() (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}

	path := "/"
	if root := strings.Trim(e.Root, "/"); root != "" {
		path += root + "/"
	}

	u := url.URL{
		Scheme:  e.Scheme(),
		Host:    e.Host,
		Path:    path + e.Topic,
		RawPath: path + url.PathEscape(e.Topic),
	}
	if e.Backlog > 0 {
		u.RawQuery = url.Values{BacklogParam: []string{strconv.Itoa(e.Backlog)}}.Encode()
	}
	return u.String(), nil
}
