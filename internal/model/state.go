package model

import "encoding/json"

// Clone returns a deep copy so callers never share slices with the store.
func (s CampaignState) Clone() CampaignState {
	out := s
	out.Campaign.ReferenceImages = append([]ReferenceImage(nil), s.Campaign.ReferenceImages...)
	if s.Campaign.DeletedAt != nil {
		t := *s.Campaign.DeletedAt
		out.Campaign.DeletedAt = &t
	}
	out.Research = cloneRaw(s.Research)
	out.Opportunities = cloneRaw(s.Opportunities)
	out.Positioning = cloneRaw(s.Positioning)

	out.Archetypes = make([]Archetype, len(s.Archetypes))
	for i, a := range s.Archetypes {
		a.Content = cloneRaw(a.Content)
		out.Archetypes[i] = a
	}
	out.Angles = make([]Angle, len(s.Angles))
	for i, a := range s.Angles {
		a.Content = cloneRaw(a.Content)
		out.Angles[i] = a
	}
	out.Prompts = append(make([]ContentPrompt, 0, len(s.Prompts)), s.Prompts...)
	out.Outputs = append(make([]GeneratedContent, 0, len(s.Outputs)), s.Outputs...)
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func (s *CampaignState) ArchetypeByID(id string) *Archetype {
	for i := range s.Archetypes {
		if s.Archetypes[i].ID == id {
			return &s.Archetypes[i]
		}
	}
	return nil
}

func (s *CampaignState) AngleByID(id string) *Angle {
	for i := range s.Angles {
		if s.Angles[i].ID == id {
			return &s.Angles[i]
		}
	}
	return nil
}

func (s *CampaignState) PromptByID(id string) *ContentPrompt {
	for i := range s.Prompts {
		if s.Prompts[i].ID == id {
			return &s.Prompts[i]
		}
	}
	return nil
}

func (s *CampaignState) PromptByJobID(jobID string) *ContentPrompt {
	if jobID == "" {
		return nil
	}
	for i := range s.Prompts {
		if s.Prompts[i].ExternalJobID == jobID {
			return &s.Prompts[i]
		}
	}
	return nil
}

func (s *CampaignState) OutputByID(id string) *GeneratedContent {
	for i := range s.Outputs {
		if s.Outputs[i].ID == id {
			return &s.Outputs[i]
		}
	}
	return nil
}

func (s *CampaignState) OutputsForPrompt(promptID string) int {
	n := 0
	for _, o := range s.Outputs {
		if o.PromptID == promptID {
			n++
		}
	}
	return n
}

func (s *CampaignState) SelectedArchetypes() []Archetype {
	var out []Archetype
	for _, a := range s.Archetypes {
		if a.Selected {
			out = append(out, a)
		}
	}
	return out
}

func (s *CampaignState) RequestedAngles() []Angle {
	var out []Angle
	for _, a := range s.Angles {
		if a.Requested() {
			out = append(out, a)
		}
	}
	return out
}

func (s *CampaignState) GeneratingPrompts() []ContentPrompt {
	var out []ContentPrompt
	for _, p := range s.Prompts {
		if p.Status == PromptGenerating && p.ExternalJobID != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultReferenceImage is the campaign-level reference used when a prompt has
// no override of its own.
func (s *CampaignState) DefaultReferenceImage() string {
	for _, img := range s.Campaign.ReferenceImages {
		if img.URL != "" {
			return img.URL
		}
	}
	return ""
}

type PromptCounts struct {
	Draft      int `json:"draft"`
	Queued     int `json:"queued"`
	Generating int `json:"generating"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

func (s *CampaignState) PromptCounts() PromptCounts {
	var c PromptCounts
	for _, p := range s.Prompts {
		switch p.Status {
		case PromptDraft:
			c.Draft++
		case PromptQueued:
			c.Queued++
		case PromptGenerating:
			c.Generating++
		case PromptDone:
			c.Done++
		case PromptFailed:
			c.Failed++
		}
	}
	return c
}
