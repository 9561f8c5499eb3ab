package sdp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Implements (in part or in full) the following specifications:
// - RFC 4566 (https://tools.ietf.org/html/rfc4566)
// - RFC 3264 (https://tools.ietf.org/html/rfc3264)
// - https://tools.ietf.org/html/draft-ietf-mmusic-ice-sip-sdp-21

type Session struct {
	Version    int
	Origin     Origin
	Name       string
	Info       string      // Optional
	Uri        string      // Optional
	Email      string      // Optional
	Phone      string      // Optional
	Connection *Connection // Optional
	//	bandwidth []string
	Time []Time
	//	timezone string  // Optional
	//	encryptionKey string  // Optional
	Attributes []Attribute
	Media      []Media

	// Initialized on first call to GetAttr()
	attributeCache map[string]string
}

type Origin struct {
	Username       string
	SessionId      string
	SessionVersion uint64
	NetworkType    string
	AddressType    string
	Address        string
}

type Connection struct {
	NetworkType string
	AddressType string
	Address     string
}

type Time struct {
	Start *time.Time
	Stop  *time.Time // Optional
	//	repeat []string
}

type Attribute struct {
	Key   string
	Value string
}

type Media struct {
	Type   string
	Port   int
	Proto  string
	Format []string

	Info       string      // Optional
	Connection *Connection // Optional
	//	bandwidth []string
	//	encryptionKey string  // Optional
	Attributes []Attribute

	// Initialized on first call to GetAttr()
	attributeCache map[string]string
}

var (
	ErrInvalidVersion   = xerrors.New("sdp: version must be 0")
	ErrInvalidSessionId = xerrors.New("sdp: origin session-id must be > 0")
	ErrEmptyName        = xerrors.New("sdp: session name must be non-empty")
	ErrInvalidTiming    = xerrors.New("sdp: timing start must be <= stop, or both zero")
	ErrNoMedia          = xerrors.New("sdp: session must have at least one media section")
	ErrNoFingerprint    = xerrors.New("sdp: no fingerprint attribute present")
	ErrNoRemoteEndpoint = xerrors.New("sdp: no candidate, connection, or media line to derive a remote endpoint from")
)

// Validate checks the invariants a session description must satisfy before
// it is sent or acted upon.
func (s *Session) Validate() error {
	if s.Version != 0 {
		return ErrInvalidVersion
	}
	id, err := strconv.ParseUint(s.Origin.SessionId, 10, 64)
	if err != nil || id == 0 {
		return ErrInvalidSessionId
	}
	if s.Name == "" {
		return ErrEmptyName
	}
	for _, t := range s.Time {
		if t.Start != nil && t.Stop != nil && t.Start.After(*t.Stop) {
			return ErrInvalidTiming
		}
	}
	if len(s.Media) == 0 {
		return ErrNoMedia
	}
	return nil
}

type writer strings.Builder

func (w *writer) Write(fragments ...string) {
	for _, s := range fragments {
		(*strings.Builder)(w).WriteString(s)
	}
}

func (w *writer) Writef(format string, args ...interface{}) {
	fmt.Fprintf((*strings.Builder)(w), format, args...)
}

func (w *writer) String() string {
	return (*strings.Builder)(w).String()
}

type sdpParseError struct {
	which string
	value string
	cause error
}

func (e *sdpParseError) Error() (msg string) {
	msg = fmt.Sprintf("SDP parser: Invalid %s description: %q", e.which, e.value)
	if e.cause != nil {
		msg += "\nCaused by: " + e.cause.Error()
	}
	return
}

func (o *Origin) String() string {
	return fmt.Sprintf("%s %s %d %s %s %s",
		o.Username, o.SessionId, o.SessionVersion, o.NetworkType, o.AddressType, o.Address)
}

func parseOrigin(s string) (o Origin, err error) {
	_, err = fmt.Sscanf(s, "%s %s %d %s %s %s",
		&o.Username, &o.SessionId, &o.SessionVersion, &o.NetworkType, &o.AddressType, &o.Address)
	if err != nil {
		err = &sdpParseError{"origin", s, err}
	}
	return
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s %s %s", c.NetworkType, c.AddressType, c.Address)
}

func parseConnection(s string) (c Connection, err error) {
	_, err = fmt.Sscanf(s, "%s %s %s", &c.NetworkType, &c.AddressType, &c.Address)
	if err != nil {
		err = &sdpParseError{"connection", s, err}
	}
	return
}

func (t Time) String() string {
	return fmt.Sprintf("%d %d", toNtp(t.Start), toNtp(t.Stop))
}

func parseTime(s string) (t Time, err error) {
	var start, stop int64
	_, err = fmt.Sscanf(s, "%d %d", &start, &stop)
	t.Start = fromNtp(start)
	t.Stop = fromNtp(stop)
	if err != nil {
		err = &sdpParseError{"time", s, err}
	}
	return
}

// Difference between NTP timestamps (measure from 1900) and Unix timestamps (measured from 1970).
const ntpOffset = 2208988800

func toNtp(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix() + ntpOffset
}

func fromNtp(ntp int64) *time.Time {
	if ntp == 0 {
		return nil
	}
	t := time.Unix(ntp-ntpOffset, 0)
	return &t
}

func (a Attribute) String() string {
	if a.Value == "" {
		return a.Key
	}
	return fmt.Sprintf("%s:%s", a.Key, a.Value)
}

func parseAttribute(s string) (a Attribute, err error) {
	f := strings.SplitN(s, ":", 2)
	a.Key = f[0]
	if len(f) == 2 {
		a.Value = f[1]
	} else {
		a.Value = ""
	}
	return
}

// GetAttr returns the first attribute's value for key, or "" if absent.
// Attributes this package does not itself interpret (rtpmap, fmtp,
// ssrc, ...) are preserved here verbatim.
func (m *Media) GetAttr(key string) string {
	if m.attributeCache == nil {
		m.attributeCache = make(map[string]string)
		for _, a := range m.Attributes {
			if _, seen := m.attributeCache[a.Key]; !seen {
				m.attributeCache[a.Key] = a.Value
			}
		}
	}
	return m.attributeCache[key]
}

// AddAttribute appends an attribute and invalidates the GetAttr cache.
func (m *Media) AddAttribute(key, value string) {
	m.Attributes = append(m.Attributes, Attribute{key, value})
	m.attributeCache = nil
}

// SetICECredentials inserts a=ice-ufrag and a=ice-pwd.
func (m *Media) SetICECredentials(ufrag, pwd string) {
	m.AddAttribute("ice-ufrag", ufrag)
	m.AddAttribute("ice-pwd", pwd)
}

// AddCandidate inserts one a=candidate line. line is the candidate's SDP
// attribute value, e.g. ice.Candidate.SDPLine()'s output.
func (m *Media) AddCandidate(line string) {
	m.AddAttribute("candidate", line)
}

// SetFingerprint inserts a=fingerprint:sha-256 <hex-colon-separated>.
func (m *Media) SetFingerprint(hexColonSeparated string) {
	m.AddAttribute("fingerprint", "sha-256 "+hexColonSeparated)
}

// SetSetup inserts a=setup:active (DTLS client / offerer) or
// a=setup:passive (DTLS server / answerer).
func (m *Media) SetSetup(active bool) {
	if active {
		m.AddAttribute("setup", "active")
	} else {
		m.AddAttribute("setup", "passive")
	}
}

// Fingerprint returns the SHA-256 fingerprint hex string (without the
// leading "sha-256 " tag), if present.
func (m *Media) Fingerprint() (string, error) {
	v := m.GetAttr("fingerprint")
	if v == "" {
		return "", ErrNoFingerprint
	}
	fields := strings.Fields(v)
	if len(fields) != 2 || fields[0] != "sha-256" {
		return "", xerrors.Errorf("sdp: unsupported fingerprint algorithm: %q", v)
	}
	return fields[1], nil
}

func (m *Media) String() string {
	var w writer
	w.Writef("m=%s %d %s %s\r\n", m.Type, m.Port, m.Proto, strings.Join(m.Format, " "))
	if m.Info != "" {
		w.Write("i=", m.Info, "\r\n")
	}
	if m.Connection != nil {
		w.Write("c=", m.Connection.String(), "\r\n")
	}
	for _, a := range m.Attributes {
		w.Write("a=", a.String(), "\r\n")
	}
	return w.String()
}

// parseMedia parses one m= section and its trailing i/c/a lines, stopping
// before the next m= line (if any) without consuming it. Returns the
// remaining unparsed SDP text as rtext.
func parseMedia(text string) (m Media, rtext string, err error) {
	line, more := nextLine(text)
	if len(line) < 2 || line[0:2] != "m=" {
		return m, text, fmt.Errorf("Invalid media line: %s", line)
	}

	fields := strings.Fields(line[2:])
	if len(fields) < 3 {
		return m, text, fmt.Errorf("Invalid media line: %s", line)
	}
	m.Type = fields[0]
	m.Port, err = strconv.Atoi(fields[1])
	if err != nil {
		return m, text, &sdpParseError{"media", line, err}
	}
	m.Proto = fields[2]
	m.Format = fields[3:]

	for more != "" {
		typecode, _, ok := peekTypeValue(more)
		if ok && typecode == 'm' {
			break
		}

		var lookaheadLine string
		lookaheadLine, more = nextLine(more)
		var typecode2 byte
		var value string
		typecode2, value, err = splitTypeValue(lookaheadLine)
		switch typecode2 {
		case 'i':
			m.Info = value
		case 'c':
			var c Connection
			c, err = parseConnection(value)
			m.Connection = &c
		case 'a':
			var a Attribute
			a, err = parseAttribute(value)
			m.Attributes = append(m.Attributes, a)
		}

		if err != nil {
			err = &sdpParseError{"media", lookaheadLine, err}
			return m, more, err
		}
	}
	return m, more, nil
}

// GetAttr returns the first session-level attribute's value for key, or ""
// if absent.
func (s *Session) GetAttr(key string) string {
	if s.attributeCache == nil {
		s.attributeCache = make(map[string]string)
		for _, a := range s.Attributes {
			if _, seen := s.attributeCache[a.Key]; !seen {
				s.attributeCache[a.Key] = a.Value
			}
		}
	}
	return s.attributeCache[key]
}

func (s *Session) String() string {
	var w writer
	w.Writef("v=%d\r\n", s.Version)
	w.Write("o=", s.Origin.String(), "\r\n")
	w.Write("s=", s.Name, "\r\n")
	if s.Info != "" {
		w.Write("i=", s.Info, "\r\n")
	}
	if s.Uri != "" {
		w.Write("u=", s.Uri, "\r\n")
	}
	if s.Email != "" {
		w.Write("e=", s.Email, "\r\n")
	}
	if s.Phone != "" {
		w.Write("p=", s.Phone, "\r\n")
	}
	if s.Connection != nil {
		w.Write("c=", s.Connection.String(), "\r\n")
	}
	for _, t := range s.Time {
		w.Write("t=", t.String(), "\r\n")
	}
	for _, a := range s.Attributes {
		w.Write("a=", a.String(), "\r\n")
	}
	for _, m := range s.Media {
		w.Write(m.String())
	}
	return w.String()
}

// ParseSession parses text into a Session. Lines whose type is not one of
// v, o, s, i, u, e, p, c, t, m, a are ignored. Unrecognized a= attributes are kept
// verbatim in Attributes / Media.Attributes.
func ParseSession(text string) (s Session, err error) {
	var typecode byte
	var line, more, value string
	for ; text != ""; text = more {
		line, more = nextLine(text)
		typecode, value, err = splitTypeValue(line)
		switch typecode {
		case 'v':
			s.Version, err = strconv.Atoi(value)
		case 'o':
			s.Origin, err = parseOrigin(value)
		case 's':
			s.Name = value
		case 'i':
			s.Info = value
		case 'u':
			s.Uri = value
		case 'e':
			s.Email = value
		case 'p':
			s.Phone = value
		case 'c':
			var c Connection
			c, err = parseConnection(value)
			s.Connection = &c
		case 't':
			var t Time
			t, err = parseTime(value)
			s.Time = append(s.Time, t)
		case 'a':
			var a Attribute
			a, err = parseAttribute(value)
			s.Attributes = append(s.Attributes, a)
		case 'm':
			var m Media
			m, more, err = parseMedia(text)
			s.Media = append(s.Media, m)
		}

		if err != nil {
			return s, &sdpParseError{"session", line, err}
		}
	}
	return
}

// PrimaryRemoteEndpoint returns the address and port a peer should be
// reached at: the IP/port of the first candidate of highest priority
// across all media sections, falling back to the c= address and m= port of
// the first media section that has a c= line (or the session-level c= line
// with the first media section's port) if no candidates are present.
func (s *Session) PrimaryRemoteEndpoint() (ip string, port int, err error) {
	var bestPriority uint64
	found := false

	for _, m := range s.Media {
		for _, a := range m.Attributes {
			if a.Key != "candidate" {
				continue
			}
			cip, cport, priority, ok := parseCandidateEndpoint(a.Value)
			if !ok {
				continue
			}
			if !found || priority > bestPriority {
				ip, port, bestPriority, found = cip, cport, priority, true
			}
		}
	}
	if found {
		return ip, port, nil
	}

	for _, m := range s.Media {
		if m.Connection != nil {
			return m.Connection.Address, m.Port, nil
		}
	}
	if s.Connection != nil && len(s.Media) > 0 {
		return s.Connection.Address, s.Media[0].Port, nil
	}
	return "", 0, ErrNoRemoteEndpoint
}

// parseCandidateEndpoint extracts (ip, port, priority) from a candidate
// attribute value of the form
// "<foundation> <component> <proto> <priority> <ip> <port> typ <type> ...".
func parseCandidateEndpoint(value string) (ip string, port int, priority uint64, ok bool) {
	fields := strings.Fields(value)
	if len(fields) < 6 {
		return "", 0, 0, false
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return "", 0, 0, false
	}
	port, err = strconv.Atoi(fields[5])
	if err != nil {
		return "", 0, 0, false
	}
	return fields[4], port, priority, true
}

func nextLine(input string) (line string, remainder string) {
	n := strings.IndexByte(input, '\n')
	if n == -1 {
		line = input
	} else {
		if n > 0 && input[n-1] == '\r' {
			// Leave off the carriage return.
			line = input[:n-1]
		} else {
			line = input[:n]
		}
		remainder = input[n+1:]
	}
	return
}

func splitTypeValue(line string) (typecode byte, value string, err error) {
	if len(line) < 2 || line[1] != '=' {
		err = fmt.Errorf("Invalid SDP line: %s", line)
		return
	}
	typecode = line[0]
	value = line[2:]
	return
}

// peekTypeValue is splitTypeValue applied to the first line of input
// without consuming it.
func peekTypeValue(input string) (typecode byte, value string, ok bool) {
	line, _ := nextLine(input)
	typecode, value, err := splitTypeValue(line)
	return typecode, value, err == nil
}
