package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/pkg/backends/datadog"
)

const (
	ParamReportWith              = "report-with"
	ParamTargetAPIURL            = "target-api-url"
	ParamTargetAPIKey            = "target-api-key"
	ParamTargetLogIntakeURL      = "target-log-intake-url"
	ParamTargetHost              = "target-host"
	ParamTargetPort              = "target-port"
	ParamTargetLogCollectionPort = "target-log-collection-port"
	ParamHostname                = "hostname"
	ParamBlacklist               = "blacklist"
	ParamWhitelist               = "whitelist"
	ParamGlobalTags              = "global-tags"
	ParamGlobalJobTags           = "global-job-tags"
	ParamEmitSecurityEvents      = "emit-security-events"
	ParamEmitSystemEvents        = "emit-system-events"

	DefaultReportWith         = "HTTP"
	DefaultTargetHost         = "localhost"
	DefaultTargetPort         = 8125
	DefaultEmitSecurityEvents = true
	DefaultEmitSystemEvents   = true
)

// Configuration is the global plugin configuration.
type Configuration struct {
	ReportWith              string
	TargetAPIURL            string
	TargetAPIKey            cistatsd.Secret
	TargetLogIntakeURL      string
	TargetHost              string
	TargetPort              int
	TargetLogCollectionPort int
	Hostname                string
	Blacklist               string
	Whitelist               string
	GlobalTags              string
	GlobalJobTags           string
	EmitSecurityEvents      bool
	EmitSystemEvents        bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(ParamReportWith, DefaultReportWith)
	v.SetDefault(ParamTargetAPIURL, datadog.DefaultAPIURL)
	v.SetDefault(ParamTargetAPIKey, "")
	v.SetDefault(ParamTargetLogIntakeURL, datadog.DefaultLogIntakeURL)
	v.SetDefault(ParamTargetHost, DefaultTargetHost)
	v.SetDefault(ParamTargetPort, DefaultTargetPort)
	v.SetDefault(ParamTargetLogCollectionPort, 0)
	v.SetDefault(ParamHostname, "")
	v.SetDefault(ParamBlacklist, "")
	v.SetDefault(ParamWhitelist, "")
	v.SetDefault(ParamGlobalTags, "")
	v.SetDefault(ParamGlobalJobTags, "")
	v.SetDefault(ParamEmitSecurityEvents, DefaultEmitSecurityEvents)
	v.SetDefault(ParamEmitSystemEvents, DefaultEmitSystemEvents)
}

// NewFromViper reads the Configuration from v.  An explicitly configured
// hostname must be a valid RFC 1123 hostname, otherwise the local hostname is
// used when it is valid.
func NewFromViper(v *viper.Viper) (*Configuration, error) {
	setDefaults(v)
	c := &Configuration{
		ReportWith:              v.GetString(ParamReportWith),
		TargetAPIURL:            v.GetString(ParamTargetAPIURL),
		TargetAPIKey:            cistatsd.Secret(v.GetString(ParamTargetAPIKey)),
		TargetLogIntakeURL:      v.GetString(ParamTargetLogIntakeURL),
		TargetHost:              v.GetString(ParamTargetHost),
		TargetPort:              v.GetInt(ParamTargetPort),
		TargetLogCollectionPort: v.GetInt(ParamTargetLogCollectionPort),
		Hostname:                strings.TrimSpace(v.GetString(ParamHostname)),
		Blacklist:               v.GetString(ParamBlacklist),
		Whitelist:               v.GetString(ParamWhitelist),
		GlobalTags:              v.GetString(ParamGlobalTags),
		GlobalJobTags:           v.GetString(ParamGlobalJobTags),
		EmitSecurityEvents:      v.GetBool(ParamEmitSecurityEvents),
		EmitSystemEvents:        v.GetBool(ParamEmitSystemEvents),
	}

	if c.Hostname != "" {
		if !cistatsd.IsValidHostname(c.Hostname) {
			return nil, &cistatsd.ConfigurationError{Field: "Hostname", Message: fmt.Sprintf("%q is not a valid RFC 1123 hostname", c.Hostname)}
		}
	} else if h, err := os.Hostname(); err == nil && cistatsd.IsValidHostname(h) {
		c.Hostname = h
	}

	if _, err := cistatsd.ParseClientType(c.ReportWith); err != nil {
		return nil, err
	}
	if _, err := ParseGlobalJobTags(c.GlobalJobTags); err != nil {
		return nil, err
	}
	return c, nil
}

// ClientParams resolves the connection parameters of the configured client.
func (c *Configuration) ClientParams() (cistatsd.ClientParams, error) {
	t, err := cistatsd.ParseClientType(c.ReportWith)
	if err != nil {
		return cistatsd.ClientParams{}, err
	}
	p := cistatsd.ClientParams{Type: t}
	switch t {
	case cistatsd.ClientDogStatsD:
		p.Host = c.TargetHost
		p.Port = c.TargetPort
		p.LogPort = c.TargetLogCollectionPort
	default:
		p.APIURL = c.TargetAPIURL
		p.APIKey = c.TargetAPIKey
		p.LogIntakeURL = c.TargetLogIntakeURL
	}
	return p, nil
}

// JobFilter returns the filter built from the black and white lists.
func (c *Configuration) JobFilter() JobFilter {
	return NewJobFilter(c.Blacklist, c.Whitelist)
}

// Tags returns the global tags merged with the global job tags matching job.
// The configuration was validated on load, a rule that no longer parses is ignored.
func (c *Configuration) Tags(job string) cistatsd.TagMap {
	tm := cistatsd.ParseTagList(c.GlobalTags)
	if rules, err := ParseGlobalJobTags(c.GlobalJobTags); err == nil {
		tm.Merge(rules.Tags(job))
	}
	return tm
}

// Jobs is the compiled job filter and tagging of a Configuration.
type Jobs struct {
	filter JobFilter
	global cistatsd.TagMap
	rules  GlobalJobTags
}

// Jobs compiles the job settings once, for use on every request.
func (c *Configuration) Jobs() (*Jobs, error) {
	rules, err := ParseGlobalJobTags(c.GlobalJobTags)
	if err != nil {
		return nil, err
	}
	return &Jobs{
		filter: c.JobFilter(),
		global: cistatsd.ParseTagList(c.GlobalTags),
		rules:  rules,
	}, nil
}

// Allowed reports whether job may be reported on.
func (j *Jobs) Allowed(job string) bool {
	return j.filter.Allowed(job)
}

// Tags returns a new TagMap of the global tags and the job tags matching job.
func (j *Jobs) Tags(job string) cistatsd.TagMap {
	return j.global.Copy().Merge(j.rules.Tags(job))
}

// JobFilter decides which jobs are reported on.
type JobFilter struct {
	blacklist cistatsd.StringMatchList
	whitelist cistatsd.StringMatchList
}

// NewJobFilter parses comma separated pattern lists.
func NewJobFilter(blacklist, whitelist string) JobFilter {
	return JobFilter{
		blacklist: cistatsd.ParseStringMatchList(blacklist),
		whitelist: cistatsd.ParseStringMatchList(whitelist),
	}
}

// Allowed reports whether job may be reported on.  The blacklist wins over the
// whitelist, an empty whitelist allows every job.
func (f JobFilter) Allowed(job string) bool {
	if f.blacklist.MatchAny(job) {
		return false
	}
	return len(f.whitelist) == 0 || f.whitelist.MatchAny(job)
}

type jobTagRule struct {
	re   *regexp.Regexp
	tags []string
}

// GlobalJobTags holds rules of the form "regex,tag:$1,other:value", one per line.
type GlobalJobTags []jobTagRule

// ParseGlobalJobTags parses one rule per line.  The regex has to match the
// whole job name, $N in a tag is replaced by the Nth capture group.
func ParseGlobalJobTags(s string) (GlobalJobTags, error) {
	var rules GlobalJobTags
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' || r == ';' }) {
		fields := strings.Split(line, ",")
		pattern := strings.TrimSpace(fields[0])
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, &cistatsd.ConfigurationError{Field: "Global Job Tags", Message: fmt.Sprintf("has an invalid regex %q: %v", pattern, err)}
		}
		rule := jobTagRule{re: re}
		for _, tag := range fields[1:] {
			if tag = strings.TrimSpace(tag); tag != "" {
				rule.tags = append(rule.tags, tag)
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Tags returns the tags of every rule matching job.
func (g GlobalJobTags) Tags(job string) cistatsd.TagMap {
	tm := cistatsd.TagMap{}
	for _, rule := range g {
		match := rule.re.FindStringSubmatchIndex(job)
		if match == nil {
			continue
		}
		for _, tag := range rule.tags {
			expanded := string(rule.re.ExpandString(nil, tag, job, match))
			if i := strings.IndexByte(expanded, ':'); i >= 0 {
				tm.Add(expanded[:i], expanded[i+1:])
			} else {
				tm.Add(expanded, "")
			}
		}
	}
	return tm
}

// AddFlags registers a flag for every option.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ParamReportWith, DefaultReportWith, "Client to report with, HTTP or DOGSTATSD")
	fs.String(ParamTargetAPIURL, datadog.DefaultAPIURL, "Datadog API URL")
	fs.String(ParamTargetAPIKey, "", "Datadog API key")
	fs.String(ParamTargetLogIntakeURL, datadog.DefaultLogIntakeURL, "Datadog log intake URL")
	fs.String(ParamTargetHost, DefaultTargetHost, "DogStatsD agent host")
	fs.Int(ParamTargetPort, DefaultTargetPort, "DogStatsD agent port")
	fs.Int(ParamTargetLogCollectionPort, 0, "DogStatsD agent log collection port, 0 disables logs")
	fs.String(ParamHostname, "", "Hostname reported with metrics, defaults to the local hostname")
	fs.String(ParamBlacklist, "", "Comma separated job patterns to exclude")
	fs.String(ParamWhitelist, "", "Comma separated job patterns to include, empty includes all")
	fs.String(ParamGlobalTags, "", "Comma separated key:value tags added to everything")
	fs.String(ParamGlobalJobTags, "", "Lines of regex,tag:$1,... applied to matching jobs")
	fs.Bool(ParamEmitSecurityEvents, DefaultEmitSecurityEvents, "Emit security events")
	fs.Bool(ParamEmitSystemEvents, DefaultEmitSystemEvents, "Emit system events")
}
