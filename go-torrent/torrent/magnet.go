package torrent

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Magnet struct {
	InfoHash string
	Name     string
	Trackers []string
	Length   int64
}

func ParseMagnet(uri string) (*Magnet, error) {
	if !strings.HasPrefix(uri, "magnet:") {
		return nil, errors.New("invalid magnet URI")
	}
	query := strings.TrimPrefix(strings.TrimPrefix(uri, "magnet:"), "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, errors.Wrap(err, "invalid magnet URI")
	}

	xt := values.Get("xt")
	if xt == "" {
		return nil, errors.New("magnet URI has no xt parameter")
	}
	parts := strings.SplitN(xt, ":", 3)
	if !strings.EqualFold(parts[0], "urn") {
		return nil, errors.Errorf("scheme %s is not supported", parts[0])
	}
	if len(parts) < 2 || !validNamespaceID(parts[1]) {
		nid := ""
		if len(parts) > 1 {
			nid = parts[1]
		}
		return nil, errors.Errorf("namespace id %q is invalid", nid)
	}
	if parts[1] != "btih" {
		return nil, errors.Errorf("namespace %s is not supported", parts[1])
	}
	if len(parts) < 3 || parts[2] == "" {
		return nil, errors.New("info hash is empty")
	}

	m := &Magnet{
		InfoHash: parts[2],
		Name:     values.Get("dn"),
		Trackers: values["tr"],
	}
	if xl := values.Get("xl"); xl != "" {
		m.Length, err = strconv.ParseInt(xl, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid length %q", xl)
		}
	}
	return m, nil
}

// validNamespaceID: 2-32 characters of [a-z0-9-], not starting or ending
// with '-'.
func validNamespaceID(nid string) bool {
	if len(nid) < 2 || len(nid) > 32 {
		return false
	}
	for _, c := range nid {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}
	return nid[0] != '-' && nid[len(nid)-1] != '-'
}

// Hash decodes the info hash from its 40 character hex or 32 character
// base32 form.
func (m *Magnet) Hash() ([20]byte, error) {
	var h [20]byte
	var raw []byte
	var err error
	switch len(m.InfoHash) {
	case 40:
		raw, err = hex.DecodeString(m.InfoHash)
	case 32:
		raw, err = base32.StdEncoding.DecodeString(strings.ToUpper(m.InfoHash))
	default:
		return h, errors.Errorf("info hash %q has length %d", m.InfoHash, len(m.InfoHash))
	}
	if err != nil {
		return h, errors.Wrap(err, "decoding info hash")
	}
	copy(h[:], raw)
	return h, nil
}
