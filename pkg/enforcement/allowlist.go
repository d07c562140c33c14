package enforcement

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"mercator-hq/warden/pkg/config"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NormalizeMAC returns mac in lower-case colon notation, or "" when mac is
// not a hardware address.
func NormalizeMAC(mac string) string {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return ""
	}
	return hw.String()
}

// NormalizeIP returns the canonical form of ip, or "" when ip is not an
// address. IPv4-mapped IPv6 addresses are unmapped.
func NormalizeIP(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// normalizeDevice canonicalises the addresses of d and checks that at least
// one is usable.
func normalizeDevice(d Device) (Device, error) {
	if d.IP != "" {
		ip := NormalizeIP(d.IP)
		if ip == "" {
			return d, fmt.Errorf("invalid ip %q", d.IP)
		}
		d.IP = ip
	}
	if d.MAC != "" {
		mac := NormalizeMAC(d.MAC)
		if mac == "" {
			return d, fmt.Errorf("invalid mac %q", d.MAC)
		}
		d.MAC = mac
	}
	if d.IP == "" && d.MAC == "" {
		return d, fmt.Errorf("device requires an ip or mac")
	}
	if d.Name == "" {
		d.Name = d.IP
		if d.Name == "" {
			d.Name = d.MAC
		}
	}
	return d, nil
}

func normalizeIPs(ips []string) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if n := NormalizeIP(ip); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// validateTimeException checks the window and day names of te, lower-cases
// the days and names unnamed windows after their bounds.
func validateTimeException(te TimeException) (TimeException, error) {
	if _, err := config.ParseClock(te.Start); err != nil {
		return te, err
	}
	if _, err := config.ParseClock(te.End); err != nil {
		return te, err
	}
	if te.Name == "" {
		te.Name = te.Start + "-" + te.End
	}
	days := make([]string, 0, len(te.Days))
	for _, day := range te.Days {
		d := strings.ToLower(strings.TrimSpace(day))
		if _, ok := weekdays[d]; !ok {
			return te, fmt.Errorf("invalid day %q", day)
		}
		days = append(days, d)
	}
	te.Days = days
	te.DeviceIPs = normalizeIPs(te.DeviceIPs)
	return te, nil
}

// ActiveAt reports whether the window covers t. Both ends are inclusive to
// the minute. A window whose end is before its start spans midnight. Days
// are matched against the weekday of t; an empty list matches every day.
func (te TimeException) ActiveAt(t time.Time) bool {
	if !te.Enabled {
		return false
	}
	if len(te.Days) > 0 && !slices.ContainsFunc(te.Days, func(d string) bool {
		wd, ok := weekdays[d]
		return ok && wd == t.Weekday()
	}) {
		return false
	}

	start, err := config.ParseClock(te.Start)
	if err != nil {
		return false
	}
	end, err := config.ParseClock(te.End)
	if err != nil {
		return false
	}

	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return start <= now && now <= end
	}
	return now >= start || now <= end
}

// AppliesTo reports whether the exception covers ip. An exception without
// device addresses covers every device.
func (te TimeException) AppliesTo(ip string) bool {
	return len(te.DeviceIPs) == 0 || slices.Contains(te.DeviceIPs, ip)
}

// exemption returns the name of the allowlist entry covering the subject.
func (s *State) exemption(ip, mac string, now time.Time, loc *time.Location) (string, bool) {
	for _, d := range s.Devices {
		if d.Active(now) && d.Matches(ip, mac) {
			return "device:" + d.Name, true
		}
	}
	if ip != "" {
		for _, g := range s.Groups {
			if slices.Contains(g.DeviceIPs, ip) {
				return "group:" + g.Name, true
			}
		}
	}
	local := now.In(loc)
	for _, te := range s.TimeExceptions {
		if te.AppliesTo(ip) && te.ActiveAt(local) {
			return "time_exception:" + te.Name, true
		}
	}
	return "", false
}

// devicesFromConfig converts configured allowlist entries, skipping invalid
// ones.
func devicesFromConfig(cfg []config.DeviceConfig, now time.Time) []Device {
	out := make([]Device, 0, len(cfg))
	for _, dc := range cfg {
		d, err := normalizeDevice(Device{
			Name:      dc.Name,
			IP:        dc.IP,
			MAC:       dc.MAC,
			Enabled:   dc.Enabled == nil || *dc.Enabled,
			Permanent: dc.Permanent,
			ExpiresAt: dc.ExpiresAt,
			Notes:     dc.Notes,
			AddedAt:   now,
		})
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

func groupsFromConfig(cfg []config.GroupConfig) []Group {
	out := make([]Group, 0, len(cfg))
	for _, gc := range cfg {
		out = append(out, Group{
			Name:        gc.Name,
			Description: gc.Description,
			DeviceIPs:   normalizeIPs(gc.DeviceIPs),
		})
	}
	return out
}

func timeExceptionsFromConfig(cfg []config.TimeExceptionConfig) []TimeException {
	out := make([]TimeException, 0, len(cfg))
	for _, tc := range cfg {
		te, err := validateTimeException(TimeException{
			Name:      tc.Name,
			Days:      tc.Days,
			Start:     tc.Start,
			End:       tc.End,
			DeviceIPs: tc.DeviceIPs,
			Enabled:   tc.Enabled == nil || *tc.Enabled,
		})
		if err != nil {
			continue
		}
		out = append(out, te)
	}
	return out
}
