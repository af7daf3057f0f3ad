package prompt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Templates are the prompt texts. Defaults ship in the binary; operators
// may override any subset from a YAML file.
type Templates struct {
	System           string `yaml:"system"`
	RegenerateSuffix string `yaml:"regenerate_suffix"`
	Rewrite          string `yaml:"rewrite"`
	Summary          string `yaml:"summary"`
}

// DefaultTemplates returns the built-in Korean prompt set.
func DefaultTemplates() Templates {
	return Templates{
		System: `당신은 정부 문서 질의응답 시스템입니다. 아래 규칙을 반드시 지키십시오.

1. 제공된 근거 문단에 명시된 사실만 답변에 포함합니다. 근거에 없는 내용은 절대 추가하지 않습니다.
2. 숫자, 날짜, 법령 조항은 근거 문단의 표기 그대로 인용합니다.
3. 근거에서 답을 찾을 수 없으면 "제공된 문서에서 해당 정보를 찾을 수 없습니다."라고만 답합니다.
4. 문서 이름, 기관 이름, 조항 번호를 지어내지 않습니다.
5. 사실을 서술하는 모든 문장 끝에 해당 근거 번호를 [i] 형식으로 표기합니다.

답변은 반드시 다음 형식을 따릅니다.

핵심 답변: (한두 문장)

주요 내용:
- (3~5개의 핵심 사실, 각 항목에 [i] 표기)

상세 설명: (필요한 경우에만)

출처:
[i] → (doc_id, page, char_start, char_end)`,
		RegenerateSuffix: `

이전 답변이 근거 검증을 통과하지 못했습니다. 근거 문단에 직접 명시된 내용만 사용하여 다시 작성하십시오. 근거에 없는 문장은 한 문장도 포함하지 마십시오.`,
		Rewrite: `이전 대화를 참고하여 아래 후속 질문을 독립적으로 이해할 수 있는 완전한 질문 한 문장으로 바꾸십시오. 설명 없이 바뀐 질문만 출력하십시오.

[대화 요약]
%s

[최근 대화]
%s

[후속 질문]
%s`,
		Summary: `아래 대화를 400자 이내로 요약하십시오. 언급된 문서 이름, 기관, 수치를 보존하십시오. 요약만 출력하십시오.

%s`,
	}
}

// LoadTemplates merges a YAML override file over the defaults. An empty
// path returns the defaults unchanged.
func LoadTemplates(path string) (Templates, error) {
	t := DefaultTemplates()
	if path == "" {
		return t, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("prompt templates: %w", err)
	}
	var over Templates
	if err := yaml.Unmarshal(b, &over); err != nil {
		return t, fmt.Errorf("prompt templates: %w", err)
	}
	if over.System != "" {
		t.System = over.System
	}
	if over.RegenerateSuffix != "" {
		t.RegenerateSuffix = over.RegenerateSuffix
	}
	if over.Rewrite != "" {
		t.Rewrite = over.Rewrite
	}
	if over.Summary != "" {
		t.Summary = over.Summary
	}
	return t, nil
}
