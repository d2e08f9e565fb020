package topics

// stopWords is the standard-English set plus a social-media-specific
// extension (common filler, platform jargon, and conversational noise that
// would otherwise dominate naive term frequency).
var stopWords = buildStopWordSet()

func buildStopWordSet() map[string]bool {
	words := []string{
		// standard English function words
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "of", "to",
		"in", "on", "at", "by", "for", "with", "about", "against", "between",
		"into", "through", "during", "before", "after", "above", "below",
		"from", "up", "down", "out", "off", "over", "under", "again",
		"further", "once", "here", "there", "when", "where", "why", "how",
		"all", "any", "both", "each", "few", "more", "most", "other", "some",
		"such", "no", "nor", "not", "only", "own", "same", "so", "than",
		"too", "very", "is", "am", "are", "was", "were", "be", "been",
		"being", "have", "has", "had", "having", "do", "does", "did",
		"doing", "will", "would", "should", "could", "can", "i", "you",
		"he", "she", "it", "we", "they", "me", "him", "her", "us", "them",
		"my", "your", "his", "its", "our", "their", "this", "that", "these",
		"those", "what", "which", "who", "whom", "as", "just", "also",
		"because", "while", "until", "s", "t", "re", "ve", "ll", "d", "m",
		// social-media-specific noise
		"like", "just", "really", "get", "got", "going", "know", "think",
		"people", "time", "day", "today", "yeah", "oh", "wow", "lol",
		"lmao", "omg", "rt", "via", "thread", "follow", "followed",
		"following", "follower", "followers", "post", "posts", "posted",
		"posting", "share", "shared", "sharing", "comment", "comments",
		"commenting", "like", "likes", "liked", "reply", "replies",
		"replying", "retweet", "retweeted", "quote", "quoted", "repost",
		"reposted", "dm", "dms", "profile", "account", "feed", "timeline",
		"bio", "link", "links", "click", "bit", "ly", "http", "https",
		"www", "com", "net", "org", "amp", "thing", "things", "stuff",
		"actually", "literally", "basically", "honestly", "probably",
		"maybe", "guess", "one", "two", "first", "last", "new", "good",
		"bad", "great", "best", "worst", "much", "many", "something",
		"anything", "everything", "nothing", "someone", "anyone",
		"everyone", "nobody", "okay", "ok", "yes", "no", "right", "well",
		"back", "still", "even", "never", "always", "already", "yet",
		"now", "here's", "there's", "that's", "it's", "don't", "doesn't",
		"didn't", "can't", "won't", "isn't", "aren't", "wasn't", "weren't",
	}
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func isStopWord(w string) bool {
	return stopWords[w]
}
