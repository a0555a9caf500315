package replica

// Matcher selects nodes in a registry. One of four kinds: an arbitrary
// predicate, class-token identity, a tag superset test, or token-name
// equality

type matcherKind int

const (
	matcherKindPredicate matcherKind = iota
	matcherKindToken
	matcherKindTags
	matcherKindName
)

type Matcher struct {
	kind      matcherKind
	predicate func(*Node) bool
	token     *ClassToken
	tags      map[string]string
	name      string
}

func MatchPredicate(predicate func(*Node) bool) Matcher {
	return Matcher{
		kind:      matcherKindPredicate,
		predicate: predicate,
	}
}

func MatchToken(token *ClassToken) Matcher {
	return Matcher{
		kind:  matcherKindToken,
		token: token,
	}
}

// matches nodes whose tags are a superset of tags
func MatchTags(tags map[string]string) Matcher {
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return Matcher{
		kind: matcherKindTags,
		tags: copied,
	}
}

func MatchName(name string) Matcher {
	return Matcher{
		kind: matcherKindName,
		name: name,
	}
}

func (self Matcher) Matches(node *Node) bool {
	switch self.kind {
	case matcherKindPredicate:
		return self.predicate(node)
	case matcherKindToken:
		return node.Token() == self.token
	case matcherKindTags:
		for key, value := range self.tags {
			if node.Tag(key) != value {
				return false
			}
		}
		return true
	case matcherKindName:
		return node.Token().Name() == self.name
	default:
		return false
	}
}
