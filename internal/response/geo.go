package response

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// ErrCountryUnknown is returned when an address cannot be geolocated.
var ErrCountryUnknown = errors.New("response: country unknown")

// CountryResolver maps an IP address to an ISO 3166-1 country code.
type CountryResolver interface {
	Country(ip string) (string, error)
}

// MaxMindResolver resolves countries from a GeoLite2/GeoIP2 database.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// OpenMaxMind opens a MaxMind country or city database.
func OpenMaxMind(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Country implements CountryResolver.
func (r *MaxMindResolver) Country(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("%w: invalid ip %q", ErrCountryUnknown, ip)
	}
	rec, err := r.reader.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("geoip lookup: %w", err)
	}
	if rec.Country.IsoCode == "" {
		return "", ErrCountryUnknown
	}
	return rec.Country.IsoCode, nil
}

// Close closes the database.
func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}

// StaticResolver resolves from a fixed table keyed by IP or CIDR.
type StaticResolver map[string]string

// Country implements CountryResolver.
func (s StaticResolver) Country(ip string) (string, error) {
	if code, ok := s[ip]; ok {
		return code, nil
	}
	parsed := net.ParseIP(ip)
	for k, code := range s {
		if !strings.Contains(k, "/") || parsed == nil {
			continue
		}
		if _, n, err := net.ParseCIDR(k); err == nil && n.Contains(parsed) {
			return code, nil
		}
	}
	return "", ErrCountryUnknown
}

// NoopResolver is used when no geolocation database is configured.
type NoopResolver struct{}

// Country implements CountryResolver.
func (NoopResolver) Country(string) (string, error) {
	return "", fmt.Errorf("%w: no geoip database configured", ErrCountryUnknown)
}
