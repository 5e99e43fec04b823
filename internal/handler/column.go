package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weibaohui/opensheets/internal/model"
	"github.com/weibaohui/opensheets/internal/service"
)

type ColumnHandler struct {
	service *service.ColumnService
}

func NewColumnHandler(service *service.ColumnService) *ColumnHandler {
	return &ColumnHandler{
		service: service,
	}
}

type editCellRequest struct {
	Value string `json:"value"`
}

func bindColumn(c *gin.Context) (*model.Column, bool) {
	var col model.Column
	if err := c.ShouldBindJSON(&col); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &col, true
}

func (h *ColumnHandler) Create(c *gin.Context) {
	col, ok := bindColumn(c)
	if !ok {
		return
	}
	saved, err := h.service.Add(c.Request.Context(), c.Param("id"), col)
	writeEntity(c, http.StatusCreated, saved, err)
}

// Update 用请求体替换列配置，生成状态与列顺序保持不变
func (h *ColumnHandler) Update(c *gin.Context) {
	col, ok := bindColumn(c)
	if !ok {
		return
	}
	col.ID = c.Param("cid")
	saved, err := h.service.Update(c.Request.Context(), c.Param("id"), col)
	writeEntity(c, http.StatusOK, saved, err)
}

func (h *ColumnHandler) Delete(c *gin.Context) {
	err := h.service.Remove(c.Request.Context(), c.Param("id"), c.Param("cid"))
	writeEntity(c, http.StatusOK, gin.H{"message": "deleted"}, err)
}

func (h *ColumnHandler) Duplicate(c *gin.Context) {
	saved, err := h.service.Duplicate(c.Request.Context(), c.Param("id"), c.Param("cid"))
	writeEntity(c, http.StatusCreated, saved, err)
}

func (h *ColumnHandler) CreatePlaceholder(c *gin.Context) {
	col, ok := bindColumn(c)
	if !ok {
		return
	}
	saved, err := h.service.AddPlaceholder(c.Request.Context(), c.Param("id"), col)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *ColumnHandler) UpdatePlaceholder(c *gin.Context) {
	col, ok := bindColumn(c)
	if !ok {
		return
	}
	saved, err := h.service.UpdatePlaceholder(c.Request.Context(), c.Param("id"), col)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *ColumnHandler) DeletePlaceholder(c *gin.Context) {
	if err := h.service.RemovePlaceholder(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

func (h *ColumnHandler) ConfirmPlaceholder(c *gin.Context) {
	saved, err := h.service.ConfirmPlaceholder(c.Request.Context(), c.Param("id"))
	writeEntity(c, http.StatusCreated, saved, err)
}

// EditCell 编辑并校验单元格
func (h *ColumnHandler) EditCell(c *gin.Context) {
	idx, ok := idxParam(c)
	if !ok {
		return
	}
	var req editCellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cell, err := h.service.EditCell(c.Request.Context(), c.Param("id"), c.Param("cid"), idx, req.Value)
	writeEntity(c, http.StatusOK, cell, err)
}
