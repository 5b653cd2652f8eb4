package conversation

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario describes one roleplay: who the counterpart is and how the call opens.
type Scenario struct {
	Key           string   `yaml:"key"`
	Title         string   `yaml:"title"`
	Counterpart   string   `yaml:"counterpart"`
	SystemPrompt  string   `yaml:"system_prompt"`
	Opening       string   `yaml:"opening"`
	OpeningPrompt string   `yaml:"opening_prompt"`
	Greeting      bool     `yaml:"greeting"`
	GreetingReply string   `yaml:"greeting_reply"`
	Greetings     []string `yaml:"greetings"`
}

const (
	ScenarioCustomerService = "customer_service"
	ScenarioChatbot         = "chatbot"
	ScenarioInterview       = "interview"
)

var defaultGreetings = []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"}

// DefaultScenarios is the catalog used when no YAML file is configured.
func DefaultScenarios() map[string]Scenario {
	return map[string]Scenario{
		ScenarioCustomerService: {
			Key:         ScenarioCustomerService,
			Title:       "Customer Service Simulation",
			Counterpart: "Samantha Lee",
			SystemPrompt: "You are Samantha Lee, a customer calling a call center about an order that has not arrived. " +
				"Stay in character, speak naturally in one to three sentences, and react to what the agent says. " +
				"Never write placeholders such as [Your Name].",
			OpeningPrompt: "Generate a random customer inquiry for a call center related to a delayed order, in a professional tone. " +
				"Example: Hello, I recently made a purchase on your website and I'm wondering if you can provide me with an update on the delivery status of my order.",
		},
		ScenarioChatbot: {
			Key:         ScenarioChatbot,
			Title:       "English Coach",
			Counterpart: "Coach",
			SystemPrompt: "You are a friendly, supportive English proficiency assistant. " +
				"Answer briefly, correct mistakes gently and encourage the learner to keep talking.",
			Opening:       "Hi! I'm your English coach. What would you like to practice today?",
			Greeting:      true,
			GreetingReply: "Hello! How can I assist you today?",
		},
		ScenarioInterview: {
			Key:         ScenarioInterview,
			Title:       "Call Center Interview",
			Counterpart: "Recruiter",
			SystemPrompt: "You are a recruiter interviewing a candidate for a call center agent position. " +
				"Ask one question at a time and follow up on the candidate's answers.",
			Opening: "Thank you for joining today. Could you start by telling me a little about yourself?",
		},
	}
}

// Catalog is a read-only set of scenarios keyed by Key.
type Catalog struct {
	scenarios map[string]Scenario
}

func NewCatalog(scenarios map[string]Scenario) *Catalog {
	c := &Catalog{scenarios: make(map[string]Scenario, len(scenarios))}
	for k, s := range scenarios {
		if s.Key == "" {
			s.Key = k
		}
		if s.Greeting && len(s.Greetings) == 0 {
			s.Greetings = defaultGreetings
		}
		c.scenarios[s.Key] = s
	}
	return c
}

func (c *Catalog) Get(key string) (Scenario, bool) {
	s, ok := c.scenarios[key]
	return s, ok
}

func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.scenarios))
	for k := range c.scenarios {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadScenarios reads a YAML catalog and layers it over the defaults. A missing file yields the
// defaults.
func LoadScenarios(path string) (*Catalog, error) {
	merged := DefaultScenarios()
	if path == "" {
		return NewCatalog(merged), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewCatalog(merged), nil
		}
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	var f scenarioFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenarios %s: %w", path, err)
	}
	for i, s := range f.Scenarios {
		if s.Key == "" {
			return nil, fmt.Errorf("parse scenarios %s: entry %d has no key", path, i)
		}
		if s.SystemPrompt == "" {
			return nil, fmt.Errorf("parse scenarios %s: %q has no system_prompt", path, s.Key)
		}
		merged[s.Key] = s
	}
	return NewCatalog(merged), nil
}
