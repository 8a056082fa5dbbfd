// kb_maintenance 是知识库的维护命令行工具，负责表结构迁移、文档摄取、
// 向量同步以及法规缓存的维护。
package main

func main() {
	Execute()
}
