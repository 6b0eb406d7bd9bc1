package risk

import (
	"regexp"
	"sync"
)

// Category groups crisis-language patterns for the rule-based fallback.
type Category string

const (
	CategorySelfHarm     Category = "self_harm"
	CategoryHarmToOthers Category = "harm_to_others"
	CategoryAbuse        Category = "abuse"
	CategorySubstance    Category = "substance"
	CategoryMedical      Category = "medical_distress"
	CategoryDistress     Category = "acute_distress"
)

// Pattern holds a compiled regex with metadata. All patterns are compiled
// once at first use and shared across every classification call.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Category    Category
	Weight      float64 // Score contribution (0-1)
	Description string
}

// registry holds all compiled crisis patterns, organized by category.
type registry struct {
	byCategory map[Category][]*Pattern
	all        []*Pattern
}

var (
	globalRegistry *registry
	registryOnce   sync.Once
)

// patternRegistry returns the global crisis pattern registry (singleton).
func patternRegistry() *registry {
	registryOnce.Do(func() {
		globalRegistry = newRegistry()
	})
	return globalRegistry
}

func newRegistry() *registry {
	r := &registry{
		byCategory: make(map[Category][]*Pattern),
		all:        make([]*Pattern, 0, 48),
	}
	r.registerSelfHarmPatterns()
	r.registerHarmToOthersPatterns()
	r.registerAbusePatterns()
	r.registerSubstancePatterns()
	r.registerMedicalPatterns()
	r.registerDistressPatterns()
	return r
}

func (r *registry) register(name, pattern string, category Category, weight float64, description string) {
	p := &Pattern{
		Name:        name,
		Regex:       regexp.MustCompile(pattern),
		Category:    category,
		Weight:      weight,
		Description: description,
	}
	r.byCategory[category] = append(r.byCategory[category], p)
	r.all = append(r.all, p)
}

// --- SELF-HARM / SUICIDAL IDEATION ---
func (r *registry) registerSelfHarmPatterns() {
	cat := CategorySelfHarm

	r.register("suicidal_intent", `(?i)\b(kill(ing)? myself|end(ing)? my (own )?life|take my (own )?life|commit suicide|suicidal)\b`, cat, 0.95, "Direct suicidal intent")
	r.register("self_harm_intent", `(?i)\b(hurt(ing)? myself|harm(ing)? myself|cut(ting)? myself|self[- ]harm)\b`, cat, 0.9, "Self-harm intent")
	r.register("no_reason_to_live", `(?i)\b(no (reason|point) (to|in) (liv|go(ing)? on)|better off (dead|without me)|want to die|wish i (was|were) dead)\b`, cat, 0.9, "Passive suicidal ideation")
	r.register("goodbye_note", `(?i)\b(say(ing)? goodbye (to everyone|forever)|this is (my|a) goodbye|won'?t (be here|see me) (tomorrow|again))\b`, cat, 0.85, "Farewell language")
	r.register("method_seeking", `(?i)\b(how (to|do i|much .{1,20} (to|would)) (overdose|hang|end it)|painless way)\b`, cat, 0.95, "Method-seeking language")
	r.register("prior_attempt", `(?i)\b(tried to kill myself|last attempt|attempted suicide)\b`, cat, 0.8, "Reference to prior attempt")
}

// --- HARM TO OTHERS ---
func (r *registry) registerHarmToOthersPatterns() {
	cat := CategoryHarmToOthers

	r.register("violent_intent", `(?i)\b(hurt|kill|attack) (him|her|them|someone|everyone|people)\b`, cat, 0.9, "Intent to harm another person")
	r.register("homicidal_ideation", `(?i)\b(make (him|her|them) pay|they('| a)ll (regret|be sorry)|bring a (gun|knife|weapon))\b`, cat, 0.85, "Threatening language")
	r.register("revenge_plan", `(?i)\b(plan(ning)? (to|on) (hurt|get back at|get revenge))\b`, cat, 0.75, "Revenge planning")
}

// --- ABUSE / UNSAFE ENVIRONMENT ---
func (r *registry) registerAbusePatterns() {
	cat := CategoryAbuse

	r.register("abuse_disclosure", `(?i)\b((he|she|they|my \w+) (hit|hits|beat|beats|hurt|hurts|touch(es|ed)?) me|being abused|abusing me)\b`, cat, 0.8, "Abuse disclosure")
	r.register("unsafe_home", `(?i)\b((not|n'?t) (safe|feel safe) (at home|here|in my house)|afraid to go home)\b`, cat, 0.75, "Unsafe environment")
	r.register("threat_received", `(?i)\b(threatened to (hurt|kill) me|says? (he|she|they)('?ll| will) (hurt|kill) me)\b`, cat, 0.8, "Received threat")
}

// --- SUBSTANCE CRISIS ---
func (r *registry) registerSubstancePatterns() {
	cat := CategorySubstance

	r.register("overdose", `(?i)\b(took (too many|a (bunch|lot) of) (pills|tablets)|overdos(e|ed|ing))\b`, cat, 0.9, "Overdose language")
	r.register("substance_loss_control", `(?i)\b(can'?t stop (drinking|using)|drinking to (cope|forget|numb))\b`, cat, 0.55, "Loss of control over substance use")
}

// --- MEDICAL DISTRESS ---
func (r *registry) registerMedicalPatterns() {
	cat := CategoryMedical

	r.register("acute_medical", `(?i)\b(can'?t breathe|chest (pain|hurts)|bleeding (badly|a lot)|losing consciousness)\b`, cat, 0.8, "Acute medical symptom")
	r.register("stopped_medication", `(?i)\b(stopped taking my (meds|medication)|off my (meds|medication))\b`, cat, 0.5, "Medication cessation")
}

// --- ACUTE EMOTIONAL DISTRESS ---
func (r *registry) registerDistressPatterns() {
	cat := CategoryDistress

	r.register("hopelessness", `(?i)\b(hopeless|nothing (will|can) (ever )?(change|get better)|no way out|can'?t (take|do) (this|it) anymore)\b`, cat, 0.6, "Hopelessness")
	r.register("panic", `(?i)\b(panic attack|can'?t calm down|heart (is )?racing|losing my mind)\b`, cat, 0.45, "Panic symptoms")
	r.register("isolation", `(?i)\b(nobody (cares|would notice|loves me)|completely alone|no one to (talk|turn) to)\b`, cat, 0.5, "Isolation")
	r.register("worthlessness", `(?i)\b(i'?m (worthless|a burden|a failure)|everyone (hates|is better off without) me)\b`, cat, 0.55, "Worthlessness")
}

// MatchPatterns runs every registered pattern against normalized text and
// returns the matches. The caller combines weights into a score.
func MatchPatterns(text string) []*Pattern {
	var matched []*Pattern
	for _, p := range patternRegistry().all {
		if p.Regex.MatchString(text) {
			matched = append(matched, p)
		}
	}
	return matched
}

// PatternsByCategory returns all patterns for a category. Returns an empty
// slice if the category is unknown, never nil.
func PatternsByCategory(cat Category) []*Pattern {
	if ps, ok := patternRegistry().byCategory[cat]; ok {
		return ps
	}
	return []*Pattern{}
}

// PatternCount returns the total number of registered crisis patterns.
func PatternCount() int {
	return len(patternRegistry().all)
}
