// Package geo annotates addresses with country, city and ASN data from
// MaxMind databases.
package geo

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
	"github.com/pkg/errors"
)

type Location struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
	ASN     uint   `json:"asn,omitempty"`
	Org     string `json:"org,omitempty"`
}

func (l Location) Empty() bool {
	return l.Country == "" && l.City == "" && l.ASN == 0 && l.Org == ""
}

type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

type asnRecord struct {
	Number uint   `maxminddb:"autonomous_system_number"`
	Org    string `maxminddb:"autonomous_system_organization"`
}

// Annotator looks up addresses. A nil *Annotator is valid and finds nothing.
type Annotator struct {
	city *maxminddb.Reader
	asn  *maxminddb.Reader
}

// Open loads the configured databases. With both paths empty it returns a
// nil annotator.
func Open(cityPath, asnPath string) (*Annotator, error) {
	if cityPath == "" && asnPath == "" {
		return nil, nil
	}
	a := &Annotator{}
	if cityPath != "" {
		reader, err := maxminddb.Open(cityPath)
		if err != nil {
			return nil, errors.Wrap(err, "open city database")
		}
		a.city = reader
	}
	if asnPath != "" {
		reader, err := maxminddb.Open(asnPath)
		if err != nil {
			_ = a.Close()
			return nil, errors.Wrap(err, "open asn database")
		}
		a.asn = reader
	}
	return a, nil
}

func (a *Annotator) Lookup(ip net.IP) (Location, bool) {
	if a == nil || ip == nil || !Routable(ip) {
		return Location{}, false
	}
	var loc Location
	if a.city != nil {
		var rec cityRecord
		if err := a.city.Lookup(ip, &rec); err == nil {
			loc.Country = rec.Country.ISOCode
			loc.City = rec.City.Names["en"]
		}
	}
	if a.asn != nil {
		var rec asnRecord
		if err := a.asn.Lookup(ip, &rec); err == nil {
			loc.ASN = rec.Number
			loc.Org = rec.Org
		}
	}
	return loc, !loc.Empty()
}

func (a *Annotator) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	for _, reader := range []*maxminddb.Reader{a.city, a.asn} {
		if reader == nil {
			continue
		}
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Routable reports whether ip is a public unicast address worth looking up.
func Routable(ip net.IP) bool {
	return !(ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsMulticast() || ip.IsUnspecified())
}
