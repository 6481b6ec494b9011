package prompt

// 内置提示词模板。registry 启动时装入，prompts/ 目录下同名 .md 文件可覆盖。
// 模板语法为 text/template，数据字段见各 Render 调用点。

const (
	// NameBoundary 会话边界检测
	NameBoundary = "boundary"
	// NameMemCell MemCell 抽取
	NameMemCell = "memcell"
	// NameEpisode Episode 聚合
	NameEpisode = "episode"
	// NameJudge 检索充分性判定
	NameJudge = "judge"
)

const boundaryTemplate = `You are a conversation topic-boundary detector for a group chat memory system.

You receive a conversation buffer split into HISTORY (older context) and NEW
(recently arrived messages). Decide whether the NEW messages start a topic that
is semantically separate from HISTORY, i.e. whether HISTORY now forms a closed
episode that can be extracted.

Rules:
- A boundary exists only when the topic genuinely shifts. Short follow-ups,
  acknowledgements and clarifications belong to the current topic.
- If HISTORY would contain 2 or fewer messages, never cut.
- Answer in strict JSON, nothing else.

Current time: {{.CurrentTime}}

HISTORY:
{{.History}}

NEW:
{{.New}}

Respond with exactly:
{"is_boundary": true/false, "reason": "<one short sentence>"}`

const memcellTemplate = `You extract structured memory units ("MemCells") from a closed conversation
episode in a group chat.

Each MemCell captures one self-contained fact, event, plan, preference or
decision. Extract only information worth remembering long-term. Skip small
talk, pure acknowledgements and transient chatter.

Conversation metadata:
- group_id: {{.GroupID}}{{if .GroupName}}
- group_name: {{.GroupName}}{{end}}
- participants: {{.Participants}}
- current_time: {{.CurrentTime}}

Conversation:
{{.Conversation}}

For every MemCell produce:
- "subject": short topic phrase
- "summary": 1-3 sentence factual summary, third person, resolve pronouns to names
- "keywords": 3-8 search keywords
- "linked_entities": named people/places/things mentioned
- "user_id": the single subject user if the memory is personal, else ""
- "start_time"/"end_time": RFC3339 validity window if the memory is time-bounded
  (e.g. "the meeting is moved to Friday 3pm"), else omit both

All datetime strings MUST be RFC3339 with an explicit UTC offset.

Respond with strict JSON, nothing else:
{"memcells": [{...}, ...]}

If nothing is worth remembering, respond {"memcells": []}.`

const episodeTemplate = `You aggregate a batch of MemCells from the same group chat into one Episode:
a coherent narrative of what happened across them.

Group: {{.GroupID}}
Current time: {{.CurrentTime}}

MemCells (oldest first):
{{.MemCells}}

Produce:
- "subject": short title for the episode
- "summary": 2-4 sentence abstract
- "episode": a chronological narrative paragraph weaving the memcells together,
  third person, concrete names and dates
- "keywords": 5-10 search keywords

Respond with strict JSON, nothing else:
{"subject": "...", "summary": "...", "episode": "...", "keywords": [...]}`

const judgeTemplate = `You judge whether retrieved memories are sufficient to answer a query, and if
not, propose refined search queries.

Query: {{.Query}}

Retrieved memories:
{{.Memories}}

If the memories already contain enough information to answer the query,
respond: {"is_sufficient": true, "reasoning": "...", "refined_queries": []}

Otherwise propose up to 3 refined queries that target the missing information
from different angles (synonyms, related entities, time expressions).
Respond with strict JSON, nothing else:
{"is_sufficient": false, "reasoning": "...", "refined_queries": ["...", "..."]}`
