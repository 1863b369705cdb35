// Package magnet parses magnet links (BEP 9) into the fields needed to fetch torrent metadata.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/multiformats/go-multihash"
)

const (
	prefixV1 = "urn:btih:"
	prefixMH = "urn:btmh:"
)

var (
	errNotMagnet    = errors.New("not a magnet link")
	errNoExactTopic = errors.New("magnet link has no xt parameter")
	errNotSHA1      = errors.New("multihash is not a sha1 digest")
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHash [20]byte
	// Display name, may be empty.
	Name string
	// Tracker tiers in the order they should be tried.
	Trackers [][]string
	// Peer addresses in host:port form from x.pe parameters.
	Peers []string
}

// Parse a magnet link. Only the first xt parameter is used.
func Parse(link string) (*Magnet, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errNotMagnet
	}
	q := u.Query()
	xt := q.Get("xt")
	if xt == "" {
		return nil, errNoExactTopic
	}
	ih, err := decodeTopic(xt)
	if err != nil {
		return nil, err
	}
	return &Magnet{
		InfoHash: ih,
		Name:     q.Get("dn"),
		Trackers: trackerTiers(q),
		Peers:    q["x.pe"],
	}, nil
}

// trackerTiers puts each plain tr value in a tier of its own, followed by the numbered tr.N tiers in ascending order.
func trackerTiers(q url.Values) [][]string {
	var tiers [][]string
	for _, tr := range q["tr"] {
		tiers = append(tiers, []string{tr})
	}
	numbered := make(map[int][]string)
	var keys []int
	for key, values := range q {
		n, ok := strings.CutPrefix(key, "tr.")
		if !ok {
			continue
		}
		i, err := strconv.Atoi(n)
		if err != nil || i < 0 {
			continue
		}
		numbered[i] = values
		keys = append(keys, i)
	}
	sort.Ints(keys)
	for _, i := range keys {
		tiers = append(tiers, numbered[i])
	}
	return tiers
}

func decodeTopic(xt string) (ih [20]byte, err error) {
	var digest []byte
	if s, ok := strings.CutPrefix(xt, prefixV1); ok {
		digest, err = decodeBTIH(s)
	} else if s, ok := strings.CutPrefix(xt, prefixMH); ok {
		digest, err = decodeBTMH(s)
	} else {
		err = errors.New("xt must start with " + prefixV1 + " or " + prefixMH)
	}
	if err != nil {
		return
	}
	copy(ih[:], digest)
	return
}

// decodeBTIH accepts 40 hex or 32 base32 characters.
func decodeBTIH(s string) ([]byte, error) {
	switch len(s) {
	case hex.EncodedLen(20):
		return hex.DecodeString(s)
	case base32.StdEncoding.EncodedLen(20):
		return base32.StdEncoding.DecodeString(strings.ToUpper(s))
	}
	return nil, errors.New("info hash has invalid length: " + strconv.Itoa(len(s)))
}

func decodeBTMH(s string) ([]byte, error) {
	mh, err := multihash.FromHexString(s)
	if err != nil {
		return nil, err
	}
	dec, err := multihash.Decode(mh)
	if err != nil {
		return nil, err
	}
	if dec.Code != multihash.SHA1 || len(dec.Digest) != 20 {
		return nil, errNotSHA1
	}
	return dec.Digest, nil
}

// String formats m as a magnet link that Parse reads back into the same value.
func (m *Magnet) String() string {
	var sb strings.Builder
	sb.WriteString("magnet:?xt=" + prefixV1 + hex.EncodeToString(m.InfoHash[:]))
	param := func(key, value string) {
		sb.WriteString("&" + key + "=" + url.QueryEscape(value))
	}
	if m.Name != "" {
		param("dn", m.Name)
	}
	for i, tier := range m.Trackers {
		key := "tr"
		if len(tier) > 1 {
			key = "tr." + strconv.Itoa(i)
		}
		for _, tr := range tier {
			param(key, tr)
		}
	}
	for _, pe := range m.Peers {
		param("x.pe", pe)
	}
	return sb.String()
}
