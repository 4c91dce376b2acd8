package api

import (
	"fmt"
	"strings"
)

// TopicPath identifies a topic: projects/<project>/locations/<location>/topics/<name>.
type TopicPath struct {
	Project  string
	Location string
	Name     string
}

func (p TopicPath) String() string {
	return fmt.Sprintf("projects/%s/locations/%s/topics/%s", p.Project, p.Location, p.Name)
}

func ParseTopicPath(s string) (TopicPath, error) {
	project, location, name, err := parsePath(s, "topics")
	if err != nil {
		return TopicPath{}, err
	}
	return TopicPath{Project: project, Location: location, Name: name}, nil
}

// SubscriptionPath identifies a subscription: projects/<project>/locations/<location>/subscriptions/<name>.
type SubscriptionPath struct {
	Project  string
	Location string
	Name     string
}

func (p SubscriptionPath) String() string {
	return fmt.Sprintf("projects/%s/locations/%s/subscriptions/%s", p.Project, p.Location, p.Name)
}

func ParseSubscriptionPath(s string) (SubscriptionPath, error) {
	project, location, name, err := parsePath(s, "subscriptions")
	if err != nil {
		return SubscriptionPath{}, err
	}
	return SubscriptionPath{Project: project, Location: location, Name: name}, nil
}

func parsePath(s, kind string) (project, location, name string, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "locations" || parts[4] != kind {
		return "", "", "", fmt.Errorf("invalid %s path %q: expected projects/{project}/locations/{location}/%s/{name}", kind, s, kind)
	}
	for _, part := range []string{parts[1], parts[3], parts[5]} {
		if part == "" {
			return "", "", "", fmt.Errorf("invalid %s path %q: empty segment", kind, s)
		}
	}
	return parts[1], parts[3], parts[5], nil
}
