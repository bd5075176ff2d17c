package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/swiftcab/swiftcab-backend/internal/models"
	"github.com/swiftcab/swiftcab-backend/pkg/utils"
	"gorm.io/gorm"
)

// Register creates a new user account
func Register(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Username    string `json:"username" binding:"required"`
			Email       string `json:"email" binding:"required,email"`
			Password    string `json:"password" binding:"required,min=6"`
			PhoneNumber string `json:"phoneNumber"`
			UserType    string `json:"userType" binding:"required,oneof=client driver"`
		}

		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		user := models.User{
			Username:    input.Username,
			Email:       input.Email,
			Password:    input.Password,
			PhoneNumber: input.PhoneNumber,
			UserType:    input.UserType,
		}

		if err := user.HashPassword(); err != nil {
			c.JSON(500, gin.H{"error": "Failed to hash password"})
			return
		}

		if err := db.Create(&user).Error; err != nil {
			c.JSON(409, gin.H{"error": "Username or email already in use"})
			return
		}

		token, err := utils.GenerateToken(&user)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(201, gin.H{
			"userId":   user.ID,
			"username": user.Username,
			"userType": user.UserType,
			"token":    token,
		})
	}
}

// Login authenticates a user and issues a JWT
func Login(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Email    string `json:"email" binding:"required,email"`
			Password string `json:"password" binding:"required"`
		}

		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var user models.User
		if err := db.Where("email = ?", input.Email).First(&user).Error; err != nil {
			c.JSON(401, gin.H{"error": "Invalid credentials"})
			return
		}

		if err := user.CheckPassword(input.Password); err != nil {
			c.JSON(401, gin.H{"error": "Invalid credentials"})
			return
		}

		token, err := utils.GenerateToken(&user)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(200, gin.H{
			"userId":   user.ID,
			"username": user.Username,
			"userType": user.UserType,
			"token":    token,
		})
	}
}
