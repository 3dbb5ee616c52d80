package dmarc

import (
	"fmt"
	"strconv"
	"strings"
)

// URI is a report destination of rua= or ruf=.
type URI struct {
	Address string

	// MaxSize is the optional size limit, 0 when absent.
	MaxSize uint64

	// Unit is "", "k", "m", "g" or "t".
	Unit string
}

func (u URI) String() string {
	s := strings.NewReplacer(",", "%2C", "!", "%21").Replace(u.Address)
	if u.MaxSize > 0 {
		s += "!" + strconv.FormatUint(u.MaxSize, 10) + u.Unit
	}

	return s
}

// Record is a parsed DMARC policy record.
type Record struct {
	Version string

	Policy          Policy
	SubdomainPolicy Policy

	ADKIM Align
	ASPF  Align

	// Percentage is pct=, 0 to 100.
	Percentage int

	AggregateReportAddresses []URI
	FailureReportAddresses   []URI

	// ReportInterval is ri= in seconds.
	ReportInterval int

	FailureOptions []string
	ReportFormat   []string
}

// DefaultRecord holds the values of tags left out of a record.
var DefaultRecord = Record{
	Version:        "DMARC1",
	ADKIM:          AlignRelaxed,
	ASPF:           AlignRelaxed,
	Percentage:     100,
	ReportInterval: 86400,
	FailureOptions: []string{"0"},
	ReportFormat:   []string{"afrf"},
}

// EffectivePolicy returns sp= for a subdomain of the record domain when it
// is set, p= otherwise.
func (r *Record) EffectivePolicy(subdomain bool) Policy {
	if subdomain && r.SubdomainPolicy != PolicyEmpty {
		return r.SubdomainPolicy
	}

	return r.Policy
}

// String renders the record, leaving out tags at their default.
func (r Record) String() string {
	tags := []string{"v=" + r.Version}

	add := func(cond bool, tag, value string) {
		if cond {
			tags = append(tags, tag+"="+value)
		}
	}

	uris := func(l []URI) string {
		s := make([]string, len(l))
		for i, u := range l {
			s[i] = u.String()
		}

		return strings.Join(s, ",")
	}

	add(r.Policy != PolicyEmpty, "p", string(r.Policy))
	add(r.SubdomainPolicy != PolicyEmpty, "sp", string(r.SubdomainPolicy))
	add(len(r.AggregateReportAddresses) > 0, "rua", uris(r.AggregateReportAddresses))
	add(len(r.FailureReportAddresses) > 0, "ruf", uris(r.FailureReportAddresses))
	add(r.ADKIM != AlignRelaxed, "adkim", string(r.ADKIM))
	add(r.ASPF != AlignRelaxed, "aspf", string(r.ASPF))
	add(r.ReportInterval != DefaultRecord.ReportInterval, "ri", strconv.Itoa(r.ReportInterval))
	add(strings.Join(r.FailureOptions, ":") != "0", "fo", strings.Join(r.FailureOptions, ":"))
	add(strings.Join(r.ReportFormat, ":") != "afrf", "rf", strings.Join(r.ReportFormat, ":"))
	add(r.Percentage != 100, "pct", fmt.Sprint(r.Percentage))

	return strings.Join(tags, "; ")
}
