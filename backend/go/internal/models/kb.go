package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"procurement-kb/backend/go/pkg/logger"

	"gorm.io/datatypes"
)

// ErrSerialization 表示存储的 JSON 字段已损坏。它只在解码函数内部使用，
// 访问器会记录警告并返回空结构，不会把它传给调用方。
var ErrSerialization = errors.New("corrupt json payload")

var kbLog = logger.New("models")

// Sphere 是法规的管辖层级。
type Sphere string

const (
	SphereFederal   Sphere = "federal"
	SphereEstadual  Sphere = "estadual"
	SphereMunicipal Sphere = "municipal"
)

// Valid 判断 s 是否为已知的管辖层级。
func (s Sphere) Valid() bool {
	switch s {
	case SphereFederal, SphereEstadual, SphereMunicipal:
		return true
	}
	return false
}

// NormStatus 是法规的生命周期状态。
type NormStatus string

const (
	NormActive   NormStatus = "active"   // 现行有效
	NormRevoked  NormStatus = "revoked"  // 已废止
	NormModified NormStatus = "modified" // 已修订
)

// Valid 判断 s 是否为已知的状态。
func (s NormStatus) Valid() bool {
	switch s {
	case NormActive, NormRevoked, NormModified:
		return true
	}
	return false
}

// Document 代表知识库中一个已摄取的源文件。
type Document struct {
	ID           uint           `gorm:"primaryKey"`
	DocumentID   string         `gorm:"size:255;not null;uniqueIndex:uq_kb_documents_document_id"` // 外部标识，分配后不可变
	Title        string         `gorm:"size:500"`
	SourceType   string         `gorm:"size:50"`
	SourcePath   string         `gorm:"type:text"`
	MetadataJSON datatypes.JSON `gorm:"column:metadata_json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// 外键在 kb_chunks 上，删除文档时级联删除其片段。
	Fragments []Fragment `gorm:"foreignKey:DocumentID;references:DocumentID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

func (Document) TableName() string {
	return "kb_documents"
}

// Metadata 解码文档元数据，JSON 损坏时返回空 map。
func (d *Document) Metadata() map[string]interface{} {
	return decodeOrEmpty(d.MetadataJSON, "kb_documents.metadata_json", d.DocumentID)
}

// SetMetadata 编码 m，空 map 会清空该列。
func (d *Document) SetMetadata(m map[string]interface{}) error {
	raw, err := encodeMap(m)
	if err != nil {
		return err
	}
	d.MetadataJSON = raw
	return nil
}

// Fragment 是文档中的一个文本片段 (chunk)。片段本身不保存向量，
// 向量只存在于向量索引中，并以 ChunkID 寻址。
type Fragment struct {
	ID            uint           `gorm:"primaryKey"`
	ChunkID       string         `gorm:"size:255;not null;uniqueIndex:uq_kb_chunks_chunk_id"`
	DocumentID    string         `gorm:"size:255;not null;index:ix_kb_chunks_document_id"`
	SectionType   string         `gorm:"size:100;index:ix_kb_chunks_section_type"`
	Content       string         `gorm:"type:text;not null"`
	PageNumber    *int           // 可选的页码
	Position      int            `gorm:"not null;default:0"` // 在所属文档中的顺序
	CitationsJSON datatypes.JSON `gorm:"column:citations_json"`
	MetadataJSON  datatypes.JSON `gorm:"column:metadata_json"`
	CreatedAt     time.Time
}

func (Fragment) TableName() string {
	return "kb_chunks"
}

// Citations 解码片段的引用信息。
// JSON 损坏时记录警告并返回空 map。
func (f *Fragment) Citations() map[string]interface{} {
	return decodeOrEmpty(f.CitationsJSON, "kb_chunks.citations_json", f.ChunkID)
}

// SetCitations 编码 c，空 map 会清空该列。
func (f *Fragment) SetCitations(c map[string]interface{}) error {
	raw, err := encodeMap(c)
	if err != nil {
		return err
	}
	f.CitationsJSON = raw
	return nil
}

// Metadata 解码片段元数据，JSON 损坏时返回空 map。
func (f *Fragment) Metadata() map[string]interface{} {
	return decodeOrEmpty(f.MetadataJSON, "kb_chunks.metadata_json", f.ChunkID)
}

// SetMetadata 编码 m，空 map 会清空该列。
func (f *Fragment) SetMetadata(m map[string]interface{}) error {
	raw, err := encodeMap(m)
	if err != nil {
		return err
	}
	f.MetadataJSON = raw
	return nil
}

// ContentPreview 返回内容的前 max 个字符，被截断时追加 "..."。
func (f *Fragment) ContentPreview(max int) string {
	if max < 0 || utf8.RuneCountInString(f.Content) <= max {
		return f.Content
	}
	runes := []rune(f.Content)
	return string(runes[:max]) + "..."
}

// LegalNorm 是一条经外部数据源核实过的法规缓存记录。
type LegalNorm struct {
	ID             uint           `gorm:"primaryKey"`
	NormURN        string         `gorm:"column:norm_urn;size:500;not null;uniqueIndex:uq_legal_norm_cache_norm_urn"`
	NormLabel      string         `gorm:"size:1000;not null"`
	Sphere         Sphere         `gorm:"size:50;not null;index:ix_legal_norm_cache_sphere"`
	Status         NormStatus     `gorm:"size:50;not null;index:ix_legal_norm_cache_status"`
	SourceJSON     datatypes.JSON `gorm:"column:source_json"`
	LastVerifiedAt time.Time      `gorm:"not null;index:ix_legal_norm_cache_last_verified_at"`
	CreatedAt      time.Time
}

func (LegalNorm) TableName() string {
	return "legal_norm_cache"
}

// SourceData 解码存储的数据源载荷，JSON 损坏时返回空 map。
func (n *LegalNorm) SourceData() map[string]interface{} {
	return decodeOrEmpty(n.SourceJSON, "legal_norm_cache.source_json", n.NormURN)
}

// SetSourceData 编码数据源载荷，空 map 会清空该列。
func (n *LegalNorm) SetSourceData(m map[string]interface{}) error {
	raw, err := encodeMap(m)
	if err != nil {
		return err
	}
	n.SourceJSON = raw
	return nil
}

// IsFresh 判断条目距上次核实是否不超过 ttl。
// 恰好等于 ttl 的条目仍然是新鲜的。
func (n *LegalNorm) IsFresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(n.LastVerifiedAt) <= ttl
}

// NormPayload 是外部法规数据源返回的一次核实结果。
type NormPayload struct {
	URN    string                 `json:"urn"`
	Label  string                 `json:"label"`
	Sphere Sphere                 `json:"sphere"`
	Status NormStatus             `json:"status"`
	Source map[string]interface{} `json:"source,omitempty"`
}

// DecodeMap 解析存储的 JSON 对象。空输入返回空 map；
// 不是 JSON 对象的内容会包装 ErrSerialization 返回。
func DecodeMap(raw []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if out == nil {
		return map[string]interface{}{}, nil
	}
	return out, nil
}

func encodeMap(m map[string]interface{}) (datatypes.JSON, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return datatypes.JSON(raw), nil
}

func decodeOrEmpty(raw datatypes.JSON, column, key string) map[string]interface{} {
	out, err := DecodeMap(raw)
	if err != nil {
		kbLog.WithFields(map[string]interface{}{"column": column, "key": key}).WithErr(err).
			Warn("stored json is corrupt, using an empty value")
	}
	return out
}
